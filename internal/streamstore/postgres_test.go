//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/streamstore/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package streamstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/arglab/telemetry/internal/streamstore"
)

func setupPostgres(t *testing.T) (*streamstore.Postgres, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("telemetry_test"),
		tcpostgres.WithUsername("telemetry"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	store, err := streamstore.NewPostgres(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("NewPostgres: %v", err)
	}

	cleanup := func() {
		store.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return store, cleanup
}

func TestPostgresAppendReadAllRenameDelete(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Append(ctx, "session-key", streamstore.Item{Hash: "h1", Timestamp: "t1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, "session-key", streamstore.Item{Hash: "h2", Timestamp: "t2"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	items, err := store.ReadAll(ctx, "session-key")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(items) != 2 || items[0].Hash != "h1" || items[1].Hash != "h2" {
		t.Fatalf("unexpected items: %+v", items)
	}

	last, err := store.Last(ctx, "session-key")
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if last == nil || last.Hash != "h2" {
		t.Fatalf("unexpected last item: %+v", last)
	}

	if err := store.Rename(ctx, "session-key", "final-hash"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if got, _ := store.ReadAll(ctx, "session-key"); got != nil {
		t.Fatalf("expected old key gone after rename, got %v", got)
	}
	if got, err := store.ReadAll(ctx, "final-hash"); err != nil || len(got) != 2 {
		t.Fatalf("expected 2 items under new key, got %v, %v", got, err)
	}

	if err := store.Delete(ctx, "final-hash"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := store.ReadAll(ctx, "final-hash"); got != nil {
		t.Fatalf("expected stream gone after delete, got %v", got)
	}
}

func TestPostgresWalkStreams(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	_ = store.Append(ctx, "a", streamstore.Item{Hash: "1"})
	_ = store.Append(ctx, "b", streamstore.Item{Hash: "2"})

	seen := map[string]int{}
	err := store.WalkStreams(ctx, func(key string, items []streamstore.Item) error {
		seen[key] = len(items)
		return nil
	})
	if err != nil {
		t.Fatalf("WalkStreams: %v", err)
	}
	if seen["a"] != 1 || seen["b"] != 1 {
		t.Fatalf("unexpected walk result: %+v", seen)
	}
}
