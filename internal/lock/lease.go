package lock

import (
	"context"
	"sync"
	"time"
)

// renewFunc extends a held lock. It reports false when another holder owns
// the lock.
type renewFunc func(ctx context.Context) (bool, error)

// lease renews a held lock every ttl/3 until stopped. lost is closed when a
// renewal finds the lock taken over, or when renewals keep failing for a
// whole ttl.
type lease struct {
	cancel context.CancelFunc
	done   chan struct{}
	lost   chan struct{}
}

func keepAlive(ttl time.Duration, renew renewFunc) *lease {
	ctx, cancel := context.WithCancel(context.Background())
	l := &lease{cancel: cancel, done: make(chan struct{}), lost: make(chan struct{})}

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()

		renewed := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			held, err := renew(ctx)
			if ctx.Err() != nil {
				return
			}
			switch {
			case err == nil && held:
				renewed = time.Now()
			case err == nil, time.Since(renewed) >= ttl:
				close(l.lost)
				return
			}
		}
	}()
	return l
}

func (l *lease) stop() {
	l.cancel()
	<-l.done
}

// holder tracks the lease of whichever lock embeds it.
type holder struct {
	mu    sync.Mutex
	lease *lease
}

func (h *holder) hold(ttl time.Duration, renew renewFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lease != nil {
		h.lease.stop()
		h.lease = nil
	}
	if ttl/3 > 0 {
		h.lease = keepAlive(ttl, renew)
	}
}

func (h *holder) drop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lease != nil {
		h.lease.stop()
		h.lease = nil
	}
}

// Lost is closed when the lock is taken over while held. Before Acquire it
// returns nil, which never fires.
func (h *holder) Lost() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lease == nil {
		return nil
	}
	return h.lease.lost
}
