package streamstore

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// filenameIndex is the durable filename→original-stream-key map the
// filesystem backend needs. spec.md §9's open questions flag the
// reverse-map as "populated lazily from the current process's accesses" and
// recommend "a durable index" so streams untouched in the current process
// can still be enumerated with their original keys; this backs that
// recommendation with a WAL-mode SQLite table, adapted from the teacher's
// internal/queue/sqlite_queue.go setup (same PRAGMA choices, same
// mutex-guarded single-connection-pool usage — repurposed here from an
// ack-queue into a small durable key-value map).
type filenameIndex struct {
	mu sync.Mutex
	db *sql.DB
}

func openFilenameIndex(path string) (*filenameIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("streamstore: open filename index: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("streamstore: filename index pragma %q: %w", p, err)
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS filename_index (
		filename TEXT PRIMARY KEY,
		stream_key TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("streamstore: filename index schema: %w", err)
	}

	return &filenameIndex{db: db}, nil
}

func (f *filenameIndex) put(filename, streamKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.db.Exec(
		`INSERT INTO filename_index (filename, stream_key) VALUES (?, ?)
		 ON CONFLICT(filename) DO UPDATE SET stream_key = excluded.stream_key`,
		filename, streamKey,
	)
	return err
}

func (f *filenameIndex) get(filename string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var streamKey string
	err := f.db.QueryRow(`SELECT stream_key FROM filename_index WHERE filename = ?`, filename).Scan(&streamKey)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return streamKey, true, nil
}

func (f *filenameIndex) delete(filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.db.Exec(`DELETE FROM filename_index WHERE filename = ?`, filename)
	return err
}

func (f *filenameIndex) all() (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows, err := f.db.Query(`SELECT filename, stream_key FROM filename_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var filename, streamKey string
		if err := rows.Scan(&filename, &streamKey); err != nil {
			return nil, err
		}
		out[filename] = streamKey
	}
	return out, rows.Err()
}

func (f *filenameIndex) close() error {
	return f.db.Close()
}
