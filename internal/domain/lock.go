package domain

import "time"

// DefaultLockTTL is the default lease duration for a scheduler lock,
// renewed by the owning instance at half this interval.
const DefaultLockTTL = 5 * time.Minute

// LockEntry is the distributed-lock record keyed by job id.
type LockEntry struct {
	InstanceID string `json:"instanceId"`
	AcquiredAt int64  `json:"acquiredAt"`
	ExpiresAt  int64  `json:"expiresAt"`
}

// Expired reports whether the lock's lease has elapsed as of now
// (unix ms).
func (l LockEntry) Expired(nowMs int64) bool {
	return l.ExpiresAt < nowMs
}

// OwnedBy reports whether instanceID is the current holder, used by
// Stop to release only locks this instance owns.
func (l LockEntry) OwnedBy(instanceID string) bool {
	return l.InstanceID == instanceID
}
