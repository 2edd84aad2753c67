package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/ports"
)

// Store is a ports.Store backed by a pgxpool.Pool.
type Store struct {
	pool   *pgxpool.Pool
	stream *eventStream
	kv     *keyValue
	index  *index
}

// Open connects to Postgres, bootstraps the schema, and returns a
// ready Store.
func Open(ctx context.Context) (*Store, error) {
	pool, err := NewPool(ctx)
	if err != nil {
		return nil, err
	}
	return New(ctx, pool)
}

// New wraps an already-open pool, bootstrapping the schema.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := ensureSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &Store{
		pool:   pool,
		stream: &eventStream{pool: pool},
		kv:     &keyValue{pool: pool},
		index:  &index{pool: pool},
	}, nil
}

func (s *Store) Stream() ports.EventStream { return s.stream }
func (s *Store) KV() ports.KV              { return s.kv }
func (s *Store) Index() ports.Index        { return s.index }

// Close releases the underlying pool.
func (s *Store) Close() { s.pool.Close() }

// --- EventStream ---

type eventStream struct {
	pool *pgxpool.Pool
}

func (e *eventStream) Append(ctx context.Context, subject string, event ports.StreamEvent) (ports.StreamEvent, error) {
	if event.Ts == 0 {
		event.Ts = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return ports.StreamEvent{}, fmt.Errorf("postgres: marshal event payload: %w", err)
	}

	var seq int64
	err = e.pool.QueryRow(ctx, `
		INSERT INTO event_stream (subject, seq, id, ts, type, payload)
		VALUES ($1, COALESCE((SELECT MAX(seq) + 1 FROM event_stream WHERE subject = $1), 1), $2, $3, $4, $5)
		RETURNING seq
	`, subject, event.Type, event.Ts, event.Type, payload).Scan(&seq)
	if err != nil {
		return ports.StreamEvent{}, fmt.Errorf("postgres: append event: %w", err)
	}
	event.ID = seq
	return event, nil
}

func (e *eventStream) Read(ctx context.Context, subject string, opts ports.ReadOptions) ([]ports.StreamEvent, error) {
	query := `SELECT seq, ts, type, payload FROM event_stream WHERE subject = $1`
	args := []any{subject}

	if len(opts.Types) > 0 {
		args = append(args, opts.Types)
		query += fmt.Sprintf(" AND type = ANY($%d)", len(args))
	}
	if opts.After > 0 {
		args = append(args, opts.After)
		query += fmt.Sprintf(" AND seq > $%d", len(args))
	}
	if opts.Before > 0 {
		args = append(args, opts.Before)
		query += fmt.Sprintf(" AND seq < $%d", len(args))
	}
	if opts.From > 0 {
		args = append(args, opts.From)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if opts.To > 0 {
		args = append(args, opts.To)
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}

	if opts.Order == "desc" {
		query += " ORDER BY seq DESC"
	} else {
		query += " ORDER BY seq ASC"
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := e.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: read stream: %w", err)
	}
	defer rows.Close()

	var out []ports.StreamEvent
	for rows.Next() {
		var ev ports.StreamEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Ts, &ev.Type, &payload); err != nil {
			return nil, fmt.Errorf("postgres: scan stream event: %w", err)
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal stream event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (e *eventStream) Delete(ctx context.Context, subject string) error {
	_, err := e.pool.Exec(ctx, `DELETE FROM event_stream WHERE subject = $1`, subject)
	if err != nil {
		return fmt.Errorf("postgres: delete stream: %w", err)
	}
	return nil
}

// --- KV ---

type keyValue struct {
	pool *pgxpool.Pool
}

func (k *keyValue) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt *int64
	err := k.pool.QueryRow(ctx, `SELECT value, expires_at FROM kv_store WHERE key = $1`, key).Scan(&value, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: kv get: %w", err)
	}
	if expiresAt != nil && *expiresAt < time.Now().UnixMilli() {
		_ = k.Delete(ctx, key)
		return nil, false, nil
	}
	return value, true, nil
}

func (k *keyValue) Set(ctx context.Context, key string, value []byte, ttl int64) error {
	var expiresAt *int64
	if ttl > 0 {
		e := time.Now().UnixMilli() + ttl
		expiresAt = &e
	}
	_, err := k.pool.Exec(ctx, `
		INSERT INTO kv_store (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("postgres: kv set: %w", err)
	}
	return nil
}

func (k *keyValue) Delete(ctx context.Context, key string) error {
	_, err := k.pool.Exec(ctx, `DELETE FROM kv_store WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("postgres: kv delete: %w", err)
	}
	return nil
}

func (k *keyValue) Clear(ctx context.Context, pattern string) error {
	like := pattern
	if len(like) > 0 && like[len(like)-1] == '*' {
		like = like[:len(like)-1] + "%"
	}
	_, err := k.pool.Exec(ctx, `DELETE FROM kv_store WHERE key LIKE $1`, like)
	if err != nil {
		return fmt.Errorf("postgres: kv clear: %w", err)
	}
	return nil
}

func (k *keyValue) Increment(ctx context.Context, key string, by int64) (int64, error) {
	var cur int64
	err := k.pool.QueryRow(ctx, `
		INSERT INTO kv_store (key, value, expires_at) VALUES ($1, $2, NULL)
		ON CONFLICT (key) DO UPDATE SET value = (COALESCE(NULLIF(kv_store.value, '')::text::bigint, 0) + $3)::text::bytea
		RETURNING value::text::bigint
	`, key, []byte(fmt.Sprintf("%d", by)), by).Scan(&cur)
	if err != nil {
		return 0, fmt.Errorf("postgres: kv increment: %w", err)
	}
	return cur, nil
}

// --- Index ---

type index struct {
	pool *pgxpool.Pool
}

func (ix *index) Add(ctx context.Context, key, id string, score float64, metadata map[string]any) error {
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal index metadata: %w", err)
	}
	tag, err := ix.pool.Exec(ctx, `
		INSERT INTO index_rows (table_name, id, score, metadata, version) VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (table_name, id) DO NOTHING
	`, key, id, score, payload)
	if err != nil {
		return fmt.Errorf("postgres: index add: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIndexEntryExists
	}
	return nil
}

func (ix *index) Get(ctx context.Context, key, id string) (ports.IndexEntry, bool, error) {
	var entry ports.IndexEntry
	var payload []byte
	entry.ID = id
	err := ix.pool.QueryRow(ctx, `SELECT score, metadata, version FROM index_rows WHERE table_name = $1 AND id = $2`, key, id).
		Scan(&entry.Score, &payload, &entry.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ports.IndexEntry{}, false, nil
	}
	if err != nil {
		return ports.IndexEntry{}, false, fmt.Errorf("postgres: index get: %w", err)
	}
	if err := json.Unmarshal(payload, &entry.Metadata); err != nil {
		return ports.IndexEntry{}, false, fmt.Errorf("postgres: unmarshal index metadata: %w", err)
	}
	return entry, true, nil
}

func (ix *index) Read(ctx context.Context, key string, offset, limit int) ([]ports.IndexEntry, error) {
	query := `SELECT id, score, metadata, version FROM index_rows WHERE table_name = $1 ORDER BY score DESC OFFSET $2`
	args := []any{key, offset}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $3"
	}
	rows, err := ix.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: index read: %w", err)
	}
	defer rows.Close()

	var out []ports.IndexEntry
	for rows.Next() {
		var entry ports.IndexEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.Score, &payload, &entry.Version); err != nil {
			return nil, fmt.Errorf("postgres: scan index row: %w", err)
		}
		if err := json.Unmarshal(payload, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal index metadata: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Update applies patch as a dot-path deep merge, guarded by
// expectVersion when non-zero, inside one transaction.
func (ix *index) Update(ctx context.Context, key, id string, patch map[string]any, expectVersion int64) (bool, error) {
	tx, err := ix.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	current, score, version, err := readRowForUpdate(ctx, tx, key, id)
	if err != nil {
		return false, err
	}
	if expectVersion != 0 && version != expectVersion {
		return false, nil
	}

	domain.DeepMergeInto(current, patch)
	if err := writeRow(ctx, tx, key, id, score, current, version+1); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("postgres: commit update: %w", err)
	}
	return true, nil
}

func (ix *index) UpdateWithRetry(ctx context.Context, key, id string, maxRetries int, buildPatch func(current map[string]any) map[string]any) error {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < maxRetries; attempt++ {
		tx, err := ix.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin update-with-retry: %w", err)
		}

		current, score, version, err := readRowForUpdate(ctx, tx, key, id)
		if err != nil {
			tx.Rollback(ctx)
			return err
		}
		patch := buildPatch(cloneMeta(current))
		domain.DeepMergeInto(current, patch)

		if err := writeRow(ctx, tx, key, id, score, current, version+1); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err == nil {
			return nil
		}
		tx.Rollback(ctx)
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("postgres: update-with-retry exhausted %d attempts", maxRetries)
}

func (ix *index) Increment(ctx context.Context, key, id, field string, by int64) (int64, error) {
	tx, err := ix.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin increment: %w", err)
	}
	defer tx.Rollback(ctx)

	current, score, version, err := readRowForUpdate(ctx, tx, key, id)
	if err != nil {
		return 0, err
	}
	cur, _ := domain.DotPathGet(current, field)
	next := toInt64(cur) + by
	domain.DotPathSet(current, field, next)

	if err := writeRow(ctx, tx, key, id, score, current, version+1); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit increment: %w", err)
	}
	return next, nil
}

func (ix *index) Delete(ctx context.Context, key, id string) error {
	_, err := ix.pool.Exec(ctx, `DELETE FROM index_rows WHERE table_name = $1 AND id = $2`, key, id)
	if err != nil {
		return fmt.Errorf("postgres: index delete: %w", err)
	}
	return nil
}

func readRowForUpdate(ctx context.Context, tx pgx.Tx, key, id string) (map[string]any, float64, int64, error) {
	var payload []byte
	var score float64
	var version int64
	err := tx.QueryRow(ctx, `SELECT metadata, score, version FROM index_rows WHERE table_name = $1 AND id = $2 FOR UPDATE`, key, id).
		Scan(&payload, &score, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]any{}, 0, 0, nil
	}
	if err != nil {
		return nil, 0, 0, fmt.Errorf("postgres: read row for update: %w", err)
	}
	meta := map[string]any{}
	if err := json.Unmarshal(payload, &meta); err != nil {
		return nil, 0, 0, fmt.Errorf("postgres: unmarshal row for update: %w", err)
	}
	return meta, score, version, nil
}

func writeRow(ctx context.Context, tx pgx.Tx, key, id string, score float64, metadata map[string]any, version int64) error {
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal row: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO index_rows (table_name, id, score, metadata, version) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (table_name, id) DO UPDATE SET metadata = EXCLUDED.metadata, version = EXCLUDED.version
	`, key, id, score, payload, version)
	if err != nil {
		return fmt.Errorf("postgres: write row: %w", err)
	}
	return nil
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
