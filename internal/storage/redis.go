package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis keeps each table in a hash named <namespace>:table:<name>, plus a
// set listing the tables written.
type Redis struct {
	rdb *redis.Client
	ns  string
}

func redisOptions(url string) *redis.Options {
	if strings.Contains(url, "://") {
		if opts, err := redis.ParseURL(url); err == nil {
			return opts
		}
	}
	if url == "" {
		url = "localhost:6379"
	}
	return &redis.Options{Addr: url}
}

func OpenRedis(ctx context.Context, url, namespace string) (*Redis, error) {
	rdb := redis.NewClient(redisOptions(url))
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(rdb, namespace), nil
}

func NewRedis(rdb *redis.Client, namespace string) *Redis {
	if namespace == "" {
		namespace = "relaygroups"
	}
	return &Redis{rdb: rdb, ns: namespace}
}

func (r *Redis) tablesKey() string           { return r.ns + ":tables" }
func (r *Redis) tableKey(table string) string { return r.ns + ":table:" + table }

func (r *Redis) Load(ctx context.Context) ([]Record, error) {
	tables, err := r.rdb.SMembers(ctx, r.tablesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	sort.Strings(tables)
	var out []Record
	for _, table := range tables {
		rows, err := r.rdb.HGetAll(ctx, r.tableKey(table)).Result()
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", table, err)
		}
		keys := make([]string, 0, len(rows))
		for k := range rows {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, Record{Table: table, Key: k, Data: []byte(rows[k])})
		}
	}
	return out, nil
}

// Replace swaps every table in one MULTI/EXEC.
func (r *Redis) Replace(ctx context.Context, recs []Record) error {
	old, err := r.rdb.SMembers(ctx, r.tablesKey()).Result()
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	byTable := make(map[string]map[string]any)
	for _, rec := range recs {
		if byTable[rec.Table] == nil {
			byTable[rec.Table] = make(map[string]any)
		}
		byTable[rec.Table][rec.Key] = string(rec.Data)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		dels := []string{r.tablesKey()}
		for _, t := range old {
			dels = append(dels, r.tableKey(t))
		}
		for t := range byTable {
			dels = append(dels, r.tableKey(t))
		}
		pipe.Del(ctx, dels...)
		for t, rows := range byTable {
			pipe.HSet(ctx, r.tableKey(t), rows)
			pipe.SAdd(ctx, r.tablesKey(), t)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace: %w", err)
	}
	return nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
