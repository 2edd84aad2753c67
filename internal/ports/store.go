package ports

import "context"

// StreamEvent is the adapter-assigned envelope around an appended
// event: ID is monotonic within Subject, Ts is unix ms.
type StreamEvent struct {
	ID      int64
	Ts      int64
	Type    string
	Payload map[string]any
}

// ReadOptions filters/bounds a stream read.
type ReadOptions struct {
	Types  []string
	After  int64
	Before int64
	From   int64
	To     int64
	Limit  int
	Order  string // "asc" or "desc"
}

// EventStream is the append-only per-subject log sub-API of Store. A
// "subject" is a stream name such as flowRun(runId) or
// triggerStream(name).
type EventStream interface {
	Append(ctx context.Context, subject string, event StreamEvent) (StreamEvent, error)
	Read(ctx context.Context, subject string, opts ReadOptions) ([]StreamEvent, error)
	Delete(ctx context.Context, subject string) error
}

// KV is the simple key-value sub-API of Store, used by the scheduler
// for job and stats records.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl int64) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context, pattern string) error
	Increment(ctx context.Context, key string, by int64) (int64, error)
}

// IndexEntry is one row of a sorted index: Score orders entries
// (typically a timestamp), Metadata is the dynamic value tree updated
// via dot-path merges.
type IndexEntry struct {
	ID       string
	Score    float64
	Metadata map[string]any
	Version  int64
}

// Index is the sorted-index sub-API backing run indices, the flow
// index, the trigger index, the scheduler's job index, and the
// scheduler's lock table. Update and UpdateWithRetry treat
// Metadata as a dot-path patch: nested object paths are expanded, nil
// leaves delete the corresponding field, and writes carry a monotonic
// Version for optimistic concurrency.
//
// Add is add-if-absent: it returns domain.ErrIndexEntryExists when id
// is already present under key. The index-mode scheduler lock depends
// on this being atomic; callers wanting upsert semantics delete first
// or fall through to Update.
type Index interface {
	Add(ctx context.Context, key, id string, score float64, metadata map[string]any) error
	Get(ctx context.Context, key, id string) (IndexEntry, bool, error)
	Read(ctx context.Context, key string, offset, limit int) ([]IndexEntry, error)
	Update(ctx context.Context, key, id string, patch map[string]any, expectVersion int64) (ok bool, err error)

	// UpdateWithRetry re-reads the current entry and calls buildPatch
	// with it on every attempt, applying the returned dot-path patch
	// with optimistic concurrency; it retries on version conflict up to
	// maxRetries times with exponential backoff.
	UpdateWithRetry(ctx context.Context, key, id string, maxRetries int, buildPatch func(current map[string]any) map[string]any) error
	Increment(ctx context.Context, key, id, field string, by int64) (int64, error)
	Delete(ctx context.Context, key, id string) error
}

// Store composes the three durable sub-APIs the engine depends on.
type Store interface {
	Stream() EventStream
	KV() KV
	Index() Index
}
