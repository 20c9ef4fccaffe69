// Package locking runs functions with mutual exclusion over string keys.
//
// The disk caches use it so two executions that want to write the same
// entry take turns instead of racing: the second one waits, then finds the
// entry already committed.
package locking

import "context"

// Group is an abstraction for running functions with mutual exclusion over
// sets of keys.
type Group interface {
	// DoWithLock runs fn while holding the lock for key. It returns ctx.Err()
	// without running fn if ctx ends while waiting.
	DoWithLock(ctx context.Context, key string, fn func() error) error
}
