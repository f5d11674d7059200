package streamstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is an enrichment stream-storage variant: each stream is a row
// set in a single table keyed by (stream_key, seq). It is not required by
// any scenario in spec.md §8 — the in-memory and filesystem backends remain
// the reference implementations — but it gives the teacher's pgx/pgxpool
// stack (internal/server/storage/postgres.go in the teacher repo) a home in
// this domain, adapted from a batched alert-insert table into an
// append-only item table.
type Postgres struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS stream_items (
	stream_key TEXT NOT NULL,
	seq BIGSERIAL NOT NULL,
	item_json JSONB NOT NULL,
	PRIMARY KEY (stream_key, seq)
)`

// NewPostgres opens a pool against connStr and ensures the stream_items
// table exists.
func NewPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("streamstore: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("streamstore: create schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Append(ctx context.Context, streamKey string, item Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("streamstore: marshal item: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO stream_items (stream_key, item_json) VALUES ($1, $2)`,
		streamKey, raw,
	)
	if err != nil {
		return fmt.Errorf("streamstore: append %q: %w", streamKey, err)
	}
	return nil
}

func (p *Postgres) Rename(ctx context.Context, oldKey, newKey string) error {
	if oldKey == newKey {
		return nil
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM stream_items WHERE stream_key = $1`, newKey)
	if err != nil {
		return fmt.Errorf("streamstore: clear rename target %q: %w", newKey, err)
	}
	_ = tag

	tag, err = p.pool.Exec(ctx,
		`UPDATE stream_items SET stream_key = $1 WHERE stream_key = $2`,
		newKey, oldKey,
	)
	if err != nil {
		return fmt.Errorf("streamstore: rename %q -> %q: %w", oldKey, newKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, oldKey)
	}
	return nil
}

func (p *Postgres) ReadAll(ctx context.Context, streamKey string) ([]Item, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT item_json FROM stream_items WHERE stream_key = $1 ORDER BY seq`,
		streamKey,
	)
	if err != nil {
		return nil, fmt.Errorf("streamstore: read %q: %w", streamKey, err)
	}
	defer rows.Close()

	items := []Item{}
	found := false
	for rows.Next() {
		found = true
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("streamstore: scan %q: %w", streamKey, err)
		}
		var item Item
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("streamstore: decode %q: %w", streamKey, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return items, nil
}

func (p *Postgres) Delete(ctx context.Context, streamKey string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM stream_items WHERE stream_key = $1`, streamKey)
	if err != nil {
		return fmt.Errorf("streamstore: delete %q: %w", streamKey, err)
	}
	return nil
}

func (p *Postgres) Last(ctx context.Context, streamKey string) (*Item, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT item_json FROM stream_items WHERE stream_key = $1 ORDER BY seq DESC LIMIT 1`,
		streamKey,
	).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("streamstore: last %q: %w", streamKey, err)
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("streamstore: decode last %q: %w", streamKey, err)
	}
	return &item, nil
}

func (p *Postgres) WalkStreams(ctx context.Context, fn func(streamKey string, items []Item) error) error {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT stream_key FROM stream_items`)
	if err != nil {
		return fmt.Errorf("streamstore: list streams: %w", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, k := range keys {
		items, err := p.ReadAll(ctx, k)
		if err != nil {
			return err
		}
		if err := fn(k, items); err != nil {
			return err
		}
	}
	return nil
}
