package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/shaiso/flowengine/internal/adapters/memory"
	"github.com/shaiso/flowengine/internal/domain"
)

func TestIndexLockerAcquireRenewRelease(t *testing.T) {
	store := memory.NewStore()
	l := newIndexLocker(store, "instance-a")

	ok, err := l.Acquire(context.Background(), "job1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed: ok=%v err=%v", ok, err)
	}

	other := newIndexLocker(store, "instance-b")
	ok, err = other.Acquire(context.Background(), "job1", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected a second instance to be refused the held lock: ok=%v err=%v", ok, err)
	}

	if err := l.Renew(context.Background(), "job1", time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := other.Renew(context.Background(), "job1", time.Minute); err != domain.ErrLockNotHeld {
		t.Fatalf("expected ErrLockNotHeld for a non-owner renew, got %v", err)
	}

	if err := l.Release(context.Background(), "job1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = other.Acquire(context.Background(), "job1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed after release: ok=%v err=%v", ok, err)
	}
}

func TestIndexLockerExpiredLockIsStolen(t *testing.T) {
	store := memory.NewStore()
	past := time.Now().Add(-time.Minute)
	entry := domain.LockEntry{InstanceID: "instance-a", AcquiredAt: past.Add(-time.Minute).UnixMilli(), ExpiresAt: past.UnixMilli()}
	if err := store.Index().Add(context.Background(), locksIndexKey, "job1", float64(entry.ExpiresAt), lockMetadata(entry)); err != nil {
		t.Fatalf("seed expired lock: %v", err)
	}

	l := newIndexLocker(store, "instance-b")
	ok, err := l.Acquire(context.Background(), "job1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected an expired lock to be stolen: ok=%v err=%v", ok, err)
	}
}

func TestIndexLockerReleaseAllOwned(t *testing.T) {
	store := memory.NewStore()
	l := newIndexLocker(store, "instance-a")
	if _, err := l.Acquire(context.Background(), "job1", time.Minute); err != nil {
		t.Fatalf("acquire job1: %v", err)
	}
	if _, err := l.Acquire(context.Background(), "job2", time.Minute); err != nil {
		t.Fatalf("acquire job2: %v", err)
	}

	if err := l.ReleaseAllOwned(context.Background()); err != nil {
		t.Fatalf("releaseAllOwned: %v", err)
	}

	other := newIndexLocker(store, "instance-b")
	for _, id := range []string{"job1", "job2"} {
		ok, err := other.Acquire(context.Background(), id, time.Minute)
		if err != nil || !ok {
			t.Fatalf("expected %s to be free after ReleaseAllOwned: ok=%v err=%v", id, ok, err)
		}
	}
}

func TestKVLockerAcquireRenewRelease(t *testing.T) {
	store := memory.NewStore()
	l := newKVLocker(store, "instance-a")

	ok, err := l.Acquire(context.Background(), "job1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed: ok=%v err=%v", ok, err)
	}

	other := newKVLocker(store, "instance-b")
	ok, err = other.Acquire(context.Background(), "job1", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected a second instance to be refused the held lock: ok=%v err=%v", ok, err)
	}

	if err := l.Renew(context.Background(), "job1", time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := l.Release(context.Background(), "job1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = other.Acquire(context.Background(), "job1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed after release: ok=%v err=%v", ok, err)
	}
}

func TestKVLockerExpiredLockIsReclaimed(t *testing.T) {
	store := memory.NewStore()
	past := time.Now().Add(-time.Minute)
	entry := domain.LockEntry{InstanceID: "instance-a", AcquiredAt: past.Add(-time.Minute).UnixMilli(), ExpiresAt: past.UnixMilli()}
	if err := store.KV().Set(context.Background(), lockKVKey("job1"), encodeLockEntry(entry), 0); err != nil {
		t.Fatalf("seed expired lock: %v", err)
	}

	l := newKVLocker(store, "instance-b")
	ok, err := l.Acquire(context.Background(), "job1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected an expired lock to be reclaimed: ok=%v err=%v", ok, err)
	}
}
