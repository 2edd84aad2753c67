package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func TestKVSetGetRoundtrips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.KV().Set(ctx, "k1", []byte("v1"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, found, err := store.KV().Get(ctx, "k1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(val) != "v1" {
		t.Fatalf("expected v1, got %q", val)
	}
}

func TestKVIncrementAccumulates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.KV().Increment(ctx, "counter", 2); err != nil {
		t.Fatalf("increment: %v", err)
	}
	got, err := store.KV().Increment(ctx, "counter", 3)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestIndexAddGetUpdateRoundtrips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Index().Add(ctx, "runs:demo", "r1", 100, map[string]any{"status": "running"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	ok, err := store.Index().Update(ctx, "runs:demo", "r1", map[string]any{"status": "completed"}, 0)
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}

	entry, found, err := store.Index().Get(ctx, "runs:demo", "r1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if entry.Metadata["status"] != "completed" {
		t.Fatalf("expected status completed, got %v", entry.Metadata["status"])
	}
	if entry.Version != 1 {
		t.Fatalf("expected version 1 after one update, got %d", entry.Version)
	}
}

func TestIndexReadOrdersByScoreDescending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Index().Add(ctx, "runs:demo", "old", 1, map[string]any{})
	store.Index().Add(ctx, "runs:demo", "new", 2, map[string]any{})

	entries, err := store.Index().Read(ctx, "runs:demo", 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "new" {
		t.Fatalf("expected [new, old] order, got %+v", entries)
	}
}
