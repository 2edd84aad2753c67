package memory

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/ports"
)

// Store composes the three in-memory sub-APIs behind ports.Store.
type Store struct {
	stream *eventStream
	kv     *keyValue
	index  *index
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		stream: newEventStream(),
		kv:     newKeyValue(),
		index:  newIndex(),
	}
}

func (s *Store) Stream() ports.EventStream { return s.stream }
func (s *Store) KV() ports.KV              { return s.kv }
func (s *Store) Index() ports.Index        { return s.index }

// --- EventStream ---

type eventStream struct {
	mu      sync.Mutex
	streams map[string][]ports.StreamEvent
	nextID  map[string]int64
}

func newEventStream() *eventStream {
	return &eventStream{streams: map[string][]ports.StreamEvent{}, nextID: map[string]int64{}}
}

func (s *eventStream) Append(ctx context.Context, subject string, event ports.StreamEvent) (ports.StreamEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID[subject]++
	event.ID = s.nextID[subject]
	if event.Ts == 0 {
		event.Ts = time.Now().UnixMilli()
	}
	s.streams[subject] = append(s.streams[subject], event)
	return event, nil
}

func (s *eventStream) Read(ctx context.Context, subject string, opts ports.ReadOptions) ([]ports.StreamEvent, error) {
	s.mu.Lock()
	all := s.streams[subject]
	out := make([]ports.StreamEvent, 0, len(all))
	for _, e := range all {
		if matchesReadOptions(e, opts) {
			out = append(out, e)
		}
	}
	s.mu.Unlock()

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

func (s *eventStream) Delete(ctx context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, subject)
	delete(s.nextID, subject)
	return nil
}

// --- KV ---

type kvEntry struct {
	value     []byte
	expiresAt int64 // unix ms; 0 means no ttl
}

type keyValue struct {
	mu   sync.Mutex
	data map[string]kvEntry
}

func newKeyValue() *keyValue {
	return &keyValue{data: map[string]kvEntry{}}
}

func (k *keyValue) Get(ctx context.Context, key string) ([]byte, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.data[key]
	if !ok {
		return nil, false, nil
	}
	if e.expiresAt != 0 && e.expiresAt < time.Now().UnixMilli() {
		delete(k.data, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (k *keyValue) Set(ctx context.Context, key string, value []byte, ttl int64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().UnixMilli() + ttl
	}
	k.data[key] = kvEntry{value: append([]byte(nil), value...), expiresAt: expiresAt}
	return nil
}

func (k *keyValue) Delete(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.data, key)
	return nil
}

func (k *keyValue) Clear(ctx context.Context, pattern string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range k.data {
		if strings.HasPrefix(key, prefix) {
			delete(k.data, key)
		}
	}
	return nil
}

func (k *keyValue) Increment(ctx context.Context, key string, by int64) (int64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e := k.data[key]
	var cur int64
	if len(e.value) > 0 {
		cur, _ = strconv.ParseInt(string(e.value), 10, 64)
	}
	cur += by
	k.data[key] = kvEntry{value: []byte(strconv.FormatInt(cur, 10)), expiresAt: e.expiresAt}
	return cur, nil
}

// --- Index ---

type indexRow struct {
	id       string
	score    float64
	metadata map[string]any
	version  int64
}

type indexTable struct {
	mu   sync.Mutex
	rows map[string]*indexRow
}

type index struct {
	mu     sync.Mutex
	tables map[string]*indexTable
}

func newIndex() *index {
	return &index{tables: map[string]*indexTable{}}
}

func (ix *index) table(key string) *indexTable {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	t, ok := ix.tables[key]
	if !ok {
		t = &indexTable{rows: map[string]*indexRow{}}
		ix.tables[key] = t
	}
	return t
}

func (ix *index) Add(ctx context.Context, key, id string, score float64, metadata map[string]any) error {
	t := ix.table(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.rows[id]; exists {
		return domain.ErrIndexEntryExists
	}
	t.rows[id] = &indexRow{id: id, score: score, metadata: cloneMeta(metadata)}
	return nil
}

func (ix *index) Get(ctx context.Context, key, id string) (ports.IndexEntry, bool, error) {
	t := ix.table(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[id]
	if !ok {
		return ports.IndexEntry{}, false, nil
	}
	return ports.IndexEntry{ID: row.id, Score: row.score, Metadata: cloneMeta(row.metadata), Version: row.version}, true, nil
}

func (ix *index) Read(ctx context.Context, key string, offset, limit int) ([]ports.IndexEntry, error) {
	t := ix.table(key)
	t.mu.Lock()
	rows := make([]*indexRow, 0, len(t.rows))
	for _, r := range t.rows {
		rows = append(rows, r)
	}
	t.mu.Unlock()

	sortIndexRows(rows)

	if offset > len(rows) {
		offset = len(rows)
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}

	out := make([]ports.IndexEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, ports.IndexEntry{ID: r.id, Score: r.score, Metadata: cloneMeta(r.metadata), Version: r.version})
	}
	return out, nil
}

func (ix *index) Update(ctx context.Context, key, id string, patch map[string]any, expectVersion int64) (bool, error) {
	t := ix.table(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[id]
	if !ok {
		row = &indexRow{id: id, metadata: map[string]any{}}
		t.rows[id] = row
	}
	if expectVersion != 0 && row.version != expectVersion {
		return false, nil
	}
	domain.DeepMergeInto(row.metadata, patch)
	row.version++
	return true, nil
}

func (ix *index) UpdateWithRetry(ctx context.Context, key, id string, maxRetries int, buildPatch func(current map[string]any) map[string]any) error {
	t := ix.table(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[id]
	if !ok {
		row = &indexRow{id: id, metadata: map[string]any{}}
		t.rows[id] = row
	}
	patch := buildPatch(cloneMeta(row.metadata))
	domain.DeepMergeInto(row.metadata, patch)
	row.version++
	return nil
}

func (ix *index) Increment(ctx context.Context, key, id, field string, by int64) (int64, error) {
	t := ix.table(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[id]
	if !ok {
		row = &indexRow{id: id, metadata: map[string]any{}}
		t.rows[id] = row
	}
	cur, _ := domain.DotPathGet(row.metadata, field)
	next := toInt64(cur) + by
	domain.DotPathSet(row.metadata, field, next)
	row.version++
	return next, nil
}

func (ix *index) Delete(ctx context.Context, key, id string) error {
	t := ix.table(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, id)
	return nil
}

func sortIndexRows(rows []*indexRow) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j-1].score < rows[j].score; j-- {
			rows[j-1], rows[j] = rows[j], rows[j-1]
		}
	}
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
