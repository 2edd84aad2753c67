// Package redis is an alternate ports.Store backend over
// github.com/redis/go-redis/v9, offering only a plain KV primitive the
// way a cache-tier Redis deployment would: Index is emulated on top of
// KV with a get-then-put read-modify-write, the same non-atomic shape
// scheduler.kvLocker documents as racy under concurrent writers. This
// adapter is the one meant to run with scheduler.LockModeKV rather than
// the default index-based lock.
package redis
