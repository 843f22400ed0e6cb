package contentgate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ReloadScheduler piggybacks policy refresh on traffic. Observe is called
// once per request evaluation; when the store's interval has elapsed it
// starts a reload in the background, so the caller never waits on the
// Settings Service.
type ReloadScheduler struct {
	Store *PolicyStore

	// Clock is read on every Observe. Defaults to RealClock.
	Clock Clock

	inflight atomic.Bool
	wg       sync.WaitGroup
}

// NewReloadScheduler creates a scheduler for store.
func NewReloadScheduler(store *PolicyStore) *ReloadScheduler {
	return &ReloadScheduler{Store: store, Clock: RealClock{}}
}

// Observe checks whether a reload is due and, if so, starts one. It
// reports whether a reload was started. The reload is detached from ctx's
// cancellation so it survives the request that triggered it.
func (rs *ReloadScheduler) Observe(ctx context.Context) bool {
	now := rs.clock().Now()
	if !rs.Store.Due(now) {
		return false
	}
	if !rs.inflight.CompareAndSwap(false, true) {
		return false
	}

	rs.wg.Add(1)
	go func() {
		defer rs.wg.Done()
		defer rs.inflight.Store(false)
		rs.Store.ReloadIfDue(context.WithoutCancel(ctx), now)
	}()
	return true
}

// Wait blocks until any reload started by Observe has finished.
func (rs *ReloadScheduler) Wait() {
	rs.wg.Wait()
}

// Start runs a background ticker that calls ReloadIfDue every interval,
// for hosts that see too little traffic for piggybacking. It performs one
// load immediately. Returns a cancel function that stops the loop.
func (rs *ReloadScheduler) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	if interval <= 0 {
		interval = rs.Store.interval()
	}

	rs.wg.Add(1)
	go func() {
		defer rs.wg.Done()

		rs.Store.ReloadIfDue(ctx, rs.clock().Now())

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rs.Store.ReloadIfDue(ctx, rs.clock().Now())
			}
		}
	}()

	return cancel
}

func (rs *ReloadScheduler) clock() Clock {
	if rs.Clock != nil {
		return rs.Clock
	}
	return RealClock{}
}
