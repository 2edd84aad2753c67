package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/ports"
)

func TestEventStreamAppendAssignsMonotonicIDs(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	first, err := s.Stream().Append(ctx, "flowRun:r1", ports.StreamEvent{Type: "flow.start"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := s.Stream().Append(ctx, "flowRun:r1", ports.StreamEvent{Type: "step.started"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("expected IDs 1,2; got %d,%d", first.ID, second.ID)
	}

	events, err := s.Stream().Read(ctx, "flowRun:r1", ports.ReadOptions{Order: "asc"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 || events[0].Type != "flow.start" || events[1].Type != "step.started" {
		t.Fatalf("unexpected read order: %+v", events)
	}
}

func TestEventStreamReadFiltersByType(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	s.Stream().Append(ctx, "subj", ports.StreamEvent{Type: "a"})
	s.Stream().Append(ctx, "subj", ports.StreamEvent{Type: "b"})

	events, err := s.Stream().Read(ctx, "subj", ports.ReadOptions{Types: []string{"b"}})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 1 || events[0].Type != "b" {
		t.Fatalf("expected only type b, got %+v", events)
	}
}

func TestKVSetGetRoundtripsAndIncrementAccumulates(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if err := s.KV().Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, found, err := s.KV().Get(ctx, "k")
	if err != nil || !found || string(value) != "v" {
		t.Fatalf("get: value=%q found=%v err=%v", value, found, err)
	}

	if _, err := s.KV().Increment(ctx, "counter", 3); err != nil {
		t.Fatalf("increment: %v", err)
	}
	next, err := s.KV().Increment(ctx, "counter", 4)
	if err != nil || next != 7 {
		t.Fatalf("expected counter 7, got %d (err=%v)", next, err)
	}
}

func TestIndexUpdateWithRetryDotPathMerge(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if err := s.Index().Add(ctx, "flowRunIndex:demo", "run-1", 100, map[string]any{"status": "running"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	err := s.Index().UpdateWithRetry(ctx, "flowRunIndex:demo", "run-1", 3, func(current map[string]any) map[string]any {
		if current["status"] != "running" {
			t.Fatalf("expected current status running, got %v", current["status"])
		}
		return map[string]any{"status": "completed", "stats": map[string]any{"stepCount": 2}}
	})
	if err != nil {
		t.Fatalf("updateWithRetry: %v", err)
	}

	entry, ok, err := s.Index().Get(ctx, "flowRunIndex:demo", "run-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if entry.Metadata["status"] != "completed" {
		t.Fatalf("expected status completed, got %v", entry.Metadata["status"])
	}
	if entry.Version != 1 {
		t.Fatalf("expected version 1, got %d", entry.Version)
	}
}

func TestIndexReadOrdersByScoreDescending(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	s.Index().Add(ctx, "idx", "a", 1, nil)
	s.Index().Add(ctx, "idx", "b", 3, nil)
	s.Index().Add(ctx, "idx", "c", 2, nil)

	entries, err := s.Index().Read(ctx, "idx", 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 3 || entries[0].ID != "b" || entries[1].ID != "c" || entries[2].ID != "a" {
		t.Fatalf("unexpected order: %+v", entries)
	}
}

func TestIndexAddRefusesExistingID(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if err := s.Index().Add(ctx, "idx", "a", 1, map[string]any{"v": 1}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := s.Index().Add(ctx, "idx", "a", 2, map[string]any{"v": 2}); !errors.Is(err, domain.ErrIndexEntryExists) {
		t.Fatalf("expected ErrIndexEntryExists for a duplicate add, got %v", err)
	}

	entry, ok, err := s.Index().Get(ctx, "idx", "a")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if entry.Score != 1 {
		t.Fatalf("expected the original entry to survive a refused add, got score %v", entry.Score)
	}
}
