package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Postgres keeps all rows in one table keyed by namespace, table and key.
type Postgres struct {
	db *sql.DB
	ns string
}

func OpenPostgres(ctx context.Context, url, namespace string) (*Postgres, error) {
	if url == "" {
		url = "postgres://localhost/relaygroups?sslmode=disable"
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := NewPostgres(db, namespace)
	if err := p.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func NewPostgres(db *sql.DB, namespace string) *Postgres {
	if namespace == "" {
		namespace = "relaygroups"
	}
	return &Postgres{db: db, ns: namespace}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS group_rows (
			namespace VARCHAR(255) NOT NULL,
			tbl VARCHAR(64) NOT NULL,
			key TEXT NOT NULL,
			data JSONB NOT NULL,
			seq BIGINT NOT NULL,
			PRIMARY KEY (namespace, tbl, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_group_rows_seq ON group_rows(namespace, seq)`,
	}
	for _, m := range migrations {
		if _, err := p.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tbl, key, data FROM group_rows
		WHERE namespace = $1
		ORDER BY seq`, p.ns)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Table, &r.Key, &r.Data); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) Replace(ctx context.Context, recs []Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_rows WHERE namespace = $1`, p.ns); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO group_rows (namespace, tbl, key, data, seq)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (namespace, tbl, key) DO UPDATE
		SET data = $4, seq = $5`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, r := range recs {
		if _, err := stmt.ExecContext(ctx, p.ns, r.Table, r.Key, string(r.Data), i); err != nil {
			return fmt.Errorf("insert %s/%s: %w", r.Table, r.Key, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) Close() error { return p.db.Close() }
