// Package stamped provides a capability-based read/write lock whose lock
// operations return stamps.
//
// A stamp is an int64 that both names the mode a caller holds and carries
// the lock's version, which grows on every write unlock. Zero is never a
// valid stamp and signals failure. Three modes are supported:
//
//   - Writing: WriteLock and its variants grant exclusive access and return
//     a stamp that UnlockWrite or Unlock takes back.
//   - Reading: ReadLock and its variants grant shared access. Reader counts
//     beyond the width of the state word spill into an overflow counter.
//   - Optimistic reading: TryOptimisticRead returns the current version when
//     no writer holds the lock. Reads done under it carry no guarantees
//     unless Validate later reports that no write happened in between.
//
// Conversions between the modes are attempts that return zero when the lock
// state has moved on; callers retry their whole operation.
//
// The lock is not reentrant and not owner tracking. Blocked writers and
// reader groups wait in FIFO order. Readers arriving while a reader waits at
// the tail join that reader's group and are woken together with it.
package stamped
