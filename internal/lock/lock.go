// Package lock provides the run-level mutual exclusion that keeps two
// pipeline runs from rebuilding the same tables at the same time.
package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/oilcast/featurepipe/pkg/core"
)

// Locker guards a pipeline run.
type Locker interface {
	// Acquire takes the lock or fails with core.ErrLockHeld.
	Acquire(ctx context.Context) error
	// Release gives up the lock. Releasing a lock that was not acquired is
	// not an error.
	Release(ctx context.Context) error
	// Owner identifies this holder.
	Owner() string
	// Lost is closed when the lock is taken over while held. The lease is
	// renewed in the background between Acquire and Release.
	Lost() <-chan struct{}
}

// NewOwner returns a holder identity unique to this process and call.
func NewOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// StoreLock is a lease in the state store.
type StoreLock struct {
	holder

	store core.Store
	name  string
	owner string
	ttl   time.Duration
}

// NewStoreLock returns a lease named name held for at most ttl.
func NewStoreLock(store core.Store, name string, ttl time.Duration) *StoreLock {
	return &StoreLock{store: store, name: name, owner: NewOwner(), ttl: ttl}
}

// Acquire implements Locker.
func (l *StoreLock) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ok, err := l.store.AcquireLock(l.name, l.owner, l.ttl)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", l.name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrLockHeld, l.name)
	}
	l.hold(l.ttl, l.renew)
	return nil
}

// renew extends the lease; the store treats a re-acquire by the holder as an
// extension.
func (l *StoreLock) renew(context.Context) (bool, error) {
	return l.store.AcquireLock(l.name, l.owner, l.ttl)
}

// Release implements Locker.
func (l *StoreLock) Release(context.Context) error {
	l.drop()
	return l.store.ReleaseLock(l.name, l.owner)
}

// Owner implements Locker.
func (l *StoreLock) Owner() string { return l.owner }
