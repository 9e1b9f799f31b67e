package app

import "context"

// Locker provides named advisory locks shared by all controller processes.
type Locker interface {
	// TryLock acquires the lock without waiting, or returns errtype.ErrLockBusy.
	TryLock(ctx context.Context, key string) (unlock func(), err error)
	Locked(ctx context.Context, key string) (bool, error)
}
