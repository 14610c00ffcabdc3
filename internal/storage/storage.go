// Package storage persists the directory tables and session statuses.
// Every backend stores the same flat rows; Restore merges them back, so a
// stale or partial load never moves state backwards.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

var ErrUnknownBackend = errors.New("unknown storage backend")

// Record is one row of one table. Data is the JSON encoding of the row.
type Record struct {
	Table string `json:"table"`
	Key   string `json:"key"`
	Data  []byte `json:"data"`
}

// Backend loads and replaces the full row set. Replace is atomic: a crash
// leaves either the old rows or the new ones.
type Backend interface {
	Load(ctx context.Context) ([]Record, error)
	Replace(ctx context.Context, recs []Record) error
	Close() error
}

type Options struct {
	Kind        string // file, redis or postgres
	Home        string
	DatabaseURL string
	RedisURL    string
	// Namespace separates several identities sharing one Redis or
	// Postgres instance.
	Namespace string
}

func Open(ctx context.Context, o Options) (Backend, error) {
	switch o.Kind {
	case "", "file":
		return NewFile(filepath.Join(o.Home, "state.jsonl")), nil
	case "redis":
		return OpenRedis(ctx, o.RedisURL, o.Namespace)
	case "postgres":
		return OpenPostgres(ctx, o.DatabaseURL, o.Namespace)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, o.Kind)
	}
}
