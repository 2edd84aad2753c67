package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/ports"
	"github.com/sony/gobreaker"
)

func defaultSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A lost Index.Add race is steady-state contention (the
		// scheduler lock), not backend trouble; it must not trip the
		// breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrIndexEntryExists)
		},
	}
}

// Store wraps a ports.Store so each sub-API call runs through its own
// circuit breaker; a streak of failing Stream/KV/Index calls trips that
// breaker open and subsequent calls fail fast with gobreaker.ErrOpenState
// instead of repeating a slow timeout against a dead backend.
type Store struct {
	inner  ports.Store
	stream *breakerStream
	kv     *breakerKV
	index  *breakerIndex
}

// NewStore wraps inner with one breaker per sub-API, named from
// namePrefix for OnStateChange/metrics correlation.
func NewStore(inner ports.Store, namePrefix string) *Store {
	return &Store{
		inner:  inner,
		stream: &breakerStream{inner: inner.Stream(), cb: gobreaker.NewCircuitBreaker(defaultSettings(namePrefix + ".stream"))},
		kv:     &breakerKV{inner: inner.KV(), cb: gobreaker.NewCircuitBreaker(defaultSettings(namePrefix + ".kv"))},
		index:  &breakerIndex{inner: inner.Index(), cb: gobreaker.NewCircuitBreaker(defaultSettings(namePrefix + ".index"))},
	}
}

func (s *Store) Stream() ports.EventStream { return s.stream }
func (s *Store) KV() ports.KV              { return s.kv }
func (s *Store) Index() ports.Index        { return s.index }

type breakerStream struct {
	inner ports.EventStream
	cb    *gobreaker.CircuitBreaker
}

func (b *breakerStream) Append(ctx context.Context, subject string, event ports.StreamEvent) (ports.StreamEvent, error) {
	out, err := b.cb.Execute(func() (interface{}, error) { return b.inner.Append(ctx, subject, event) })
	if err != nil {
		return ports.StreamEvent{}, err
	}
	return out.(ports.StreamEvent), nil
}

func (b *breakerStream) Read(ctx context.Context, subject string, opts ports.ReadOptions) ([]ports.StreamEvent, error) {
	out, err := b.cb.Execute(func() (interface{}, error) { return b.inner.Read(ctx, subject, opts) })
	if err != nil {
		return nil, err
	}
	return out.([]ports.StreamEvent), nil
}

func (b *breakerStream) Delete(ctx context.Context, subject string) error {
	_, err := b.cb.Execute(func() (interface{}, error) { return nil, b.inner.Delete(ctx, subject) })
	return err
}

type breakerKV struct {
	inner ports.KV
	cb    *gobreaker.CircuitBreaker
}

func (b *breakerKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	type result struct {
		value []byte
		found bool
	}
	out, err := b.cb.Execute(func() (interface{}, error) {
		value, found, err := b.inner.Get(ctx, key)
		return result{value, found}, err
	})
	if err != nil {
		return nil, false, err
	}
	r := out.(result)
	return r.value, r.found, nil
}

func (b *breakerKV) Set(ctx context.Context, key string, value []byte, ttl int64) error {
	_, err := b.cb.Execute(func() (interface{}, error) { return nil, b.inner.Set(ctx, key, value, ttl) })
	return err
}

func (b *breakerKV) Delete(ctx context.Context, key string) error {
	_, err := b.cb.Execute(func() (interface{}, error) { return nil, b.inner.Delete(ctx, key) })
	return err
}

func (b *breakerKV) Clear(ctx context.Context, pattern string) error {
	_, err := b.cb.Execute(func() (interface{}, error) { return nil, b.inner.Clear(ctx, pattern) })
	return err
}

func (b *breakerKV) Increment(ctx context.Context, key string, by int64) (int64, error) {
	out, err := b.cb.Execute(func() (interface{}, error) { return b.inner.Increment(ctx, key, by) })
	if err != nil {
		return 0, err
	}
	return out.(int64), nil
}

type breakerIndex struct {
	inner ports.Index
	cb    *gobreaker.CircuitBreaker
}

func (b *breakerIndex) Add(ctx context.Context, key, id string, score float64, metadata map[string]any) error {
	_, err := b.cb.Execute(func() (interface{}, error) { return nil, b.inner.Add(ctx, key, id, score, metadata) })
	return err
}

func (b *breakerIndex) Get(ctx context.Context, key, id string) (ports.IndexEntry, bool, error) {
	type result struct {
		entry ports.IndexEntry
		found bool
	}
	out, err := b.cb.Execute(func() (interface{}, error) {
		entry, found, err := b.inner.Get(ctx, key, id)
		return result{entry, found}, err
	})
	if err != nil {
		return ports.IndexEntry{}, false, err
	}
	r := out.(result)
	return r.entry, r.found, nil
}

func (b *breakerIndex) Read(ctx context.Context, key string, offset, limit int) ([]ports.IndexEntry, error) {
	out, err := b.cb.Execute(func() (interface{}, error) { return b.inner.Read(ctx, key, offset, limit) })
	if err != nil {
		return nil, err
	}
	return out.([]ports.IndexEntry), nil
}

func (b *breakerIndex) Update(ctx context.Context, key, id string, patch map[string]any, expectVersion int64) (bool, error) {
	out, err := b.cb.Execute(func() (interface{}, error) { return b.inner.Update(ctx, key, id, patch, expectVersion) })
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func (b *breakerIndex) UpdateWithRetry(ctx context.Context, key, id string, maxRetries int, buildPatch func(current map[string]any) map[string]any) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.UpdateWithRetry(ctx, key, id, maxRetries, buildPatch)
	})
	return err
}

func (b *breakerIndex) Increment(ctx context.Context, key, id, field string, by int64) (int64, error) {
	out, err := b.cb.Execute(func() (interface{}, error) { return b.inner.Increment(ctx, key, id, field, by) })
	if err != nil {
		return 0, err
	}
	return out.(int64), nil
}

func (b *breakerIndex) Delete(ctx context.Context, key, id string) error {
	_, err := b.cb.Execute(func() (interface{}, error) { return nil, b.inner.Delete(ctx, key, id) })
	return err
}
