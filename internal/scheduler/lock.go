package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/ports"
)

const locksIndexKey = "scheduler:locks"

func lockKVKey(jobID string) string {
	return fmt.Sprintf("scheduler:lock:%s", jobID)
}

// Locker acquires, renews and releases the per-job lease lock.
// Implementations must guarantee at most one instance holds a given
// key's lock at a time, modulo clock skew within TTL.
type Locker interface {
	Acquire(ctx context.Context, jobID string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, jobID string, ttl time.Duration) error
	Release(ctx context.Context, jobID string) error
	// ReleaseAllOwned releases every lock this instance currently holds
	// (used by Stop).
	ReleaseAllOwned(ctx context.Context) error
}

// indexLocker is the preferred mode: it uses Store.Index().Add, which
// adapters with a real sorted index can implement atomically (an
// add-if-absent keyed by expiresAt as score).
type indexLocker struct {
	store      ports.Store
	instanceID string
	owned      map[string]bool
}

func newIndexLocker(store ports.Store, instanceID string) *indexLocker {
	return &indexLocker{store: store, instanceID: instanceID, owned: map[string]bool{}}
}

func (l *indexLocker) Acquire(ctx context.Context, jobID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	entry := domain.LockEntry{InstanceID: l.instanceID, AcquiredAt: now.UnixMilli(), ExpiresAt: expiresAt.UnixMilli()}

	err := l.store.Index().Add(ctx, locksIndexKey, jobID, float64(entry.ExpiresAt), lockMetadata(entry))
	if err == nil {
		l.owned[jobID] = true
		return true, nil
	}

	existing, found, getErr := l.store.Index().Get(ctx, locksIndexKey, jobID)
	if getErr != nil {
		return false, getErr
	}
	if !found {
		return false, nil
	}
	if existing.Score < float64(now.UnixMilli()) {
		// expired: delete and retry once
		if delErr := l.store.Index().Delete(ctx, locksIndexKey, jobID); delErr != nil {
			return false, delErr
		}
		if addErr := l.store.Index().Add(ctx, locksIndexKey, jobID, float64(entry.ExpiresAt), lockMetadata(entry)); addErr != nil {
			return false, nil
		}
		l.owned[jobID] = true
		return true, nil
	}
	return false, nil
}

func (l *indexLocker) Renew(ctx context.Context, jobID string, ttl time.Duration) error {
	if !l.owned[jobID] {
		return domain.ErrLockNotHeld
	}
	expiresAt := time.Now().Add(ttl).UnixMilli()
	_, err := l.store.Index().Update(ctx, locksIndexKey, jobID, map[string]any{"expiresAt": expiresAt}, 0)
	return err
}

func (l *indexLocker) Release(ctx context.Context, jobID string) error {
	delete(l.owned, jobID)
	return l.store.Index().Delete(ctx, locksIndexKey, jobID)
}

func (l *indexLocker) ReleaseAllOwned(ctx context.Context) error {
	for jobID := range l.owned {
		if err := l.store.Index().Delete(ctx, locksIndexKey, jobID); err != nil {
			return err
		}
		delete(l.owned, jobID)
	}
	return nil
}

func lockMetadata(entry domain.LockEntry) map[string]any {
	return map[string]any{
		"instanceId": entry.InstanceID,
		"acquiredAt": entry.AcquiredAt,
		"expiresAt":  entry.ExpiresAt,
	}
}

// kvLocker is the fallback mode for Store adapters that only offer a
// plain KV sub-API. It is racy: the get-then-put sequence below is not
// atomic against a concurrent instance racing the same key, so this
// mode is only safe for single-instance deployments. It is kept
// because some Store adapters
// (e.g. the redis KV-mode adapter) have no atomic "add if absent with
// score" primitive.
type kvLocker struct {
	store      ports.Store
	instanceID string
	owned      map[string]bool
}

func newKVLocker(store ports.Store, instanceID string) *kvLocker {
	return &kvLocker{store: store, instanceID: instanceID, owned: map[string]bool{}}
}

func (l *kvLocker) Acquire(ctx context.Context, jobID string, ttl time.Duration) (bool, error) {
	key := lockKVKey(jobID)
	raw, found, err := l.store.KV().Get(ctx, key)
	if err != nil {
		return false, err
	}
	if found {
		existing, decErr := decodeLockEntry(raw)
		if decErr == nil {
			now := time.Now().UnixMilli()
			if existing.ExpiresAt > now {
				return false, nil
			}
			if delErr := l.store.KV().Delete(ctx, key); delErr != nil {
				return false, delErr
			}
		}
	}

	now := time.Now()
	entry := domain.LockEntry{InstanceID: l.instanceID, AcquiredAt: now.UnixMilli(), ExpiresAt: now.Add(ttl).UnixMilli()}
	if err := l.store.KV().Set(ctx, key, encodeLockEntry(entry), int64(ttl/time.Millisecond)); err != nil {
		return false, err
	}
	l.owned[jobID] = true
	return true, nil
}

func (l *kvLocker) Renew(ctx context.Context, jobID string, ttl time.Duration) error {
	if !l.owned[jobID] {
		return domain.ErrLockNotHeld
	}
	now := time.Now()
	entry := domain.LockEntry{InstanceID: l.instanceID, AcquiredAt: now.UnixMilli(), ExpiresAt: now.Add(ttl).UnixMilli()}
	return l.store.KV().Set(ctx, lockKVKey(jobID), encodeLockEntry(entry), int64(ttl/time.Millisecond))
}

func (l *kvLocker) Release(ctx context.Context, jobID string) error {
	delete(l.owned, jobID)
	return l.store.KV().Delete(ctx, lockKVKey(jobID))
}

func (l *kvLocker) ReleaseAllOwned(ctx context.Context) error {
	for jobID := range l.owned {
		if err := l.store.KV().Delete(ctx, lockKVKey(jobID)); err != nil {
			return err
		}
		delete(l.owned, jobID)
	}
	return nil
}

// encodeLockEntry/decodeLockEntry use a tiny fixed format rather than
// pulling in encoding/json for three int64s and a string.
func encodeLockEntry(e domain.LockEntry) []byte {
	return []byte(fmt.Sprintf("%s|%d|%d", e.InstanceID, e.AcquiredAt, e.ExpiresAt))
}

func decodeLockEntry(raw []byte) (domain.LockEntry, error) {
	parts := strings.SplitN(string(raw), "|", 3)
	if len(parts) != 3 {
		return domain.LockEntry{}, fmt.Errorf("malformed lock entry: %q", raw)
	}
	acquiredAt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return domain.LockEntry{}, err
	}
	expiresAt, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return domain.LockEntry{}, err
	}
	return domain.LockEntry{InstanceID: parts[0], AcquiredAt: acquiredAt, ExpiresAt: expiresAt}, nil
}
