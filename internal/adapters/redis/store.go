package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/ports"
)

// DefaultAddr is the local-development Redis address.
const DefaultAddr = "localhost:6379"

// Store is a ports.Store over a single Redis client.
type Store struct {
	client *goredis.Client
	stream *eventStream
	kv     *keyValue
	index  *index
}

// NewClient builds a go-redis client, reading addr from
// FLOWENGINE_REDIS_ADDR when set.
func NewClient() *goredis.Client {
	addr := os.Getenv("FLOWENGINE_REDIS_ADDR")
	if addr == "" {
		addr = DefaultAddr
	}
	return goredis.NewClient(&goredis.Options{Addr: addr})
}

// New wraps an existing go-redis client as a Store.
func New(client *goredis.Client) *Store {
	kv := &keyValue{client: client}
	return &Store{
		client: client,
		stream: &eventStream{client: client},
		kv:     kv,
		index:  &index{kv: kv},
	}
}

func (s *Store) Stream() ports.EventStream { return s.stream }
func (s *Store) KV() ports.KV              { return s.kv }
func (s *Store) Index() ports.Index        { return s.index }

func (s *Store) Close() error { return s.client.Close() }

// --- EventStream: a Redis list per subject, JSON-encoded entries ---

type eventStream struct {
	client *goredis.Client
}

func streamKey(subject string) string { return "stream:" + subject }

func (e *eventStream) Append(ctx context.Context, subject string, event ports.StreamEvent) (ports.StreamEvent, error) {
	if event.Ts == 0 {
		event.Ts = time.Now().UnixMilli()
	}
	id, err := e.client.Incr(ctx, streamKey(subject)+":seq").Result()
	if err != nil {
		return ports.StreamEvent{}, fmt.Errorf("redis: next seq: %w", err)
	}
	event.ID = id

	raw, err := json.Marshal(event)
	if err != nil {
		return ports.StreamEvent{}, fmt.Errorf("redis: marshal event: %w", err)
	}
	if err := e.client.RPush(ctx, streamKey(subject), raw).Err(); err != nil {
		return ports.StreamEvent{}, fmt.Errorf("redis: append event: %w", err)
	}
	return event, nil
}

func (e *eventStream) Read(ctx context.Context, subject string, opts ports.ReadOptions) ([]ports.StreamEvent, error) {
	raws, err := e.client.LRange(ctx, streamKey(subject), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read stream: %w", err)
	}
	out := make([]ports.StreamEvent, 0, len(raws))
	for _, raw := range raws {
		var ev ports.StreamEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("redis: unmarshal stream event: %w", err)
		}
		if matchesReadOptions(ev, opts) {
			out = append(out, ev)
		}
	}
	if opts.Order == "desc" {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func matchesReadOptions(e ports.StreamEvent, opts ports.ReadOptions) bool {
	if len(opts.Types) > 0 {
		found := false
		for _, t := range opts.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.After > 0 && e.ID <= opts.After {
		return false
	}
	if opts.Before > 0 && e.ID >= opts.Before {
		return false
	}
	if opts.From > 0 && e.Ts < opts.From {
		return false
	}
	if opts.To > 0 && e.Ts > opts.To {
		return false
	}
	return true
}

func (e *eventStream) Delete(ctx context.Context, subject string) error {
	if err := e.client.Del(ctx, streamKey(subject), streamKey(subject)+":seq").Err(); err != nil {
		return fmt.Errorf("redis: delete stream: %w", err)
	}
	return nil
}

// --- KV: a thin pass-through to native Redis string commands ---

type keyValue struct {
	client *goredis.Client
}

func (k *keyValue) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := k.client.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: kv get: %w", err)
	}
	return val, true, nil
}

func (k *keyValue) Set(ctx context.Context, key string, value []byte, ttl int64) error {
	var expiration time.Duration
	if ttl > 0 {
		expiration = time.Duration(ttl) * time.Millisecond
	}
	if err := k.client.Set(ctx, key, value, expiration).Err(); err != nil {
		return fmt.Errorf("redis: kv set: %w", err)
	}
	return nil
}

func (k *keyValue) Delete(ctx context.Context, key string) error {
	if err := k.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: kv delete: %w", err)
	}
	return nil
}

func (k *keyValue) Clear(ctx context.Context, pattern string) error {
	match := pattern
	if !strings.HasSuffix(match, "*") {
		match += "*"
	}
	iter := k.client.Scan(ctx, 0, match, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis: kv clear scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := k.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: kv clear: %w", err)
	}
	return nil
}

func (k *keyValue) Increment(ctx context.Context, key string, by int64) (int64, error) {
	val, err := k.client.IncrBy(ctx, key, by).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: kv increment: %w", err)
	}
	return val, nil
}

// --- Index: emulated on top of KV, one JSON blob per row ---
//
// This is deliberately the non-atomic shape: Update/UpdateWithRetry/
// Increment each do a Get followed by a Set, so two instances racing
// the same row can both read the same version and one write is lost.
// scheduler.kvLocker calls out exactly this risk for LockModeKV.

type index struct {
	kv *keyValue
}

func rowKey(key, id string) string { return "index:" + key + ":" + id }

type storedRow struct {
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
	Version  int64          `json:"version"`
}

func (ix *index) getRow(ctx context.Context, key, id string) (storedRow, bool, error) {
	raw, found, err := ix.kv.Get(ctx, rowKey(key, id))
	if err != nil || !found {
		return storedRow{}, found, err
	}
	var row storedRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return storedRow{}, false, fmt.Errorf("redis: unmarshal index row: %w", err)
	}
	return row, true, nil
}

func (ix *index) putRow(ctx context.Context, key, id string, row storedRow) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("redis: marshal index row: %w", err)
	}
	return ix.kv.Set(ctx, rowKey(key, id), raw, 0)
}

func (ix *index) Add(ctx context.Context, key, id string, score float64, metadata map[string]any) error {
	raw, err := json.Marshal(storedRow{Score: score, Metadata: metadata, Version: 0})
	if err != nil {
		return fmt.Errorf("redis: marshal index row: %w", err)
	}
	set, err := ix.kv.client.SetNX(ctx, rowKey(key, id), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("redis: index add: %w", err)
	}
	if !set {
		return domain.ErrIndexEntryExists
	}
	return nil
}

func (ix *index) Get(ctx context.Context, key, id string) (ports.IndexEntry, bool, error) {
	row, found, err := ix.getRow(ctx, key, id)
	if err != nil || !found {
		return ports.IndexEntry{}, found, err
	}
	return ports.IndexEntry{ID: id, Score: row.Score, Metadata: row.Metadata, Version: row.Version}, true, nil
}

// Read scans every row under key via SCAN MATCH, since Redis' plain
// string keyspace has no native per-prefix ordered listing; ordering by
// score is then done in process.
func (ix *index) Read(ctx context.Context, key string, offset, limit int) ([]ports.IndexEntry, error) {
	match := "index:" + key + ":*"
	iter := ix.kv.client.Scan(ctx, 0, match, 0).Iterator()
	var rows []ports.IndexEntry
	for iter.Next(ctx) {
		raw, err := ix.kv.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var row storedRow
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		id := strings.TrimPrefix(iter.Val(), "index:"+key+":")
		rows = append(rows, ports.IndexEntry{ID: id, Score: row.Score, Metadata: row.Metadata, Version: row.Version})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: index read scan: %w", err)
	}

	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j-1].Score < rows[j].Score; j-- {
			rows[j-1], rows[j] = rows[j], rows[j-1]
		}
	}
	if offset > len(rows) {
		offset = len(rows)
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

func (ix *index) Update(ctx context.Context, key, id string, patch map[string]any, expectVersion int64) (bool, error) {
	row, found, err := ix.getRow(ctx, key, id)
	if err != nil {
		return false, err
	}
	if !found {
		row = storedRow{Metadata: map[string]any{}}
	}
	if expectVersion != 0 && row.Version != expectVersion {
		return false, nil
	}
	if row.Metadata == nil {
		row.Metadata = map[string]any{}
	}
	domain.DeepMergeInto(row.Metadata, patch)
	row.Version++
	if err := ix.putRow(ctx, key, id, row); err != nil {
		return false, err
	}
	return true, nil
}

func (ix *index) UpdateWithRetry(ctx context.Context, key, id string, maxRetries int, buildPatch func(current map[string]any) map[string]any) error {
	row, found, err := ix.getRow(ctx, key, id)
	if err != nil {
		return err
	}
	if !found {
		row = storedRow{Metadata: map[string]any{}}
	}
	if row.Metadata == nil {
		row.Metadata = map[string]any{}
	}
	patch := buildPatch(cloneMeta(row.Metadata))
	domain.DeepMergeInto(row.Metadata, patch)
	row.Version++
	return ix.putRow(ctx, key, id, row)
}

func (ix *index) Increment(ctx context.Context, key, id, field string, by int64) (int64, error) {
	row, found, err := ix.getRow(ctx, key, id)
	if err != nil {
		return 0, err
	}
	if !found {
		row = storedRow{Metadata: map[string]any{}}
	}
	if row.Metadata == nil {
		row.Metadata = map[string]any{}
	}
	cur, _ := domain.DotPathGet(row.Metadata, field)
	next := toInt64(cur) + by
	domain.DotPathSet(row.Metadata, field, next)
	row.Version++
	if err := ix.putRow(ctx, key, id, row); err != nil {
		return 0, err
	}
	return next, nil
}

func (ix *index) Delete(ctx context.Context, key, id string) error {
	return ix.kv.Delete(ctx, rowKey(key, id))
}

func cloneMeta(m map[string]any) map[string]any {
	if len(m) == 0 {
		return map[string]any{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
