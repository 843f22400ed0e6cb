package contentgate

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultReloadInterval is the minimum spacing between reload attempts.
const DefaultReloadInterval = 5 * time.Second

// DefaultHostCacheSize is the per-snapshot host decision cache size.
const DefaultHostCacheSize = 4096

// Clock abstracts time for the reload path.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock (including its monotonic component).
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time { return time.Now() }

// Loader produces a policy and the source that produced it. It must never
// return a nil policy; *SourceChain is the production implementation.
type Loader interface {
	Load(ctx context.Context) (*Policy, SourceKind)
}

// LoaderFunc is a function adapter for Loader.
type LoaderFunc func(ctx context.Context) (*Policy, SourceKind)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context) (*Policy, SourceKind) { return f(ctx) }

// Snapshot is an immutable view of the policy in force together with its
// compiled category patterns. Readers obtain one from PolicyStore.Current
// and use it for the whole evaluation of an exchange.
type Snapshot struct {
	Policy     *Policy
	Patterns   []CategoryPattern
	Source     SourceKind
	LoadedAt   time.Time
	Generation uint64

	hosts *lru.Cache[string, Decision]
}

func newSnapshot(p *Policy, src SourceKind, at time.Time, gen uint64, cacheSize int, logger *slog.Logger) *Snapshot {
	if p == nil {
		p = &Policy{}
	}
	s := &Snapshot{
		Policy:     p,
		Patterns:   compilePatterns(p, logger),
		Source:     src,
		LoadedAt:   at,
		Generation: gen,
	}
	if cacheSize > 0 {
		if c, err := lru.New[string, Decision](cacheSize); err == nil {
			s.hosts = c
		}
	}
	return s
}

func (s *Snapshot) cachedHost(host string) (Decision, bool) {
	if s.hosts == nil {
		return Decision{}, false
	}
	return s.hosts.Get(host)
}

func (s *Snapshot) rememberHost(host string, d Decision) {
	if s.hosts != nil {
		s.hosts.Add(host, d)
	}
}

// PolicyStore holds the live Snapshot. Reads are lock-free; a reload
// builds a complete replacement and publishes it with a single pointer
// store, so readers see either the old or the new snapshot.
type PolicyStore struct {
	// Interval is the minimum time between reload attempts made through
	// ReloadIfDue. Defaults to DefaultReloadInterval.
	Interval time.Duration

	// HostCacheSize bounds the host decision cache of each snapshot.
	// Zero disables caching.
	HostCacheSize int

	// Clock is used by forced reloads. Defaults to RealClock.
	Clock Clock

	Logger *slog.Logger

	// OnReload is called after a new snapshot has been published.
	OnReload func(s *Snapshot)

	// OnStale is called when every source failed and the previous
	// known-good snapshot was kept.
	OnStale func(kept *Snapshot)

	loader  Loader
	current atomic.Pointer[Snapshot]
	gen     atomic.Uint64
	loaded  atomic.Bool

	mu         sync.Mutex
	lastReload time.Time
	claims     uint64

	// publishMu orders publication; published is the claim number of the
	// load behind the live snapshot.
	publishMu sync.Mutex
	published uint64

	forced singleflight.Group
}

// NewPolicyStore creates a store that starts with an empty policy (the
// fail-open default) until the first reload completes.
func NewPolicyStore(loader Loader) *PolicyStore {
	s := &PolicyStore{
		Interval:      DefaultReloadInterval,
		HostCacheSize: DefaultHostCacheSize,
		Clock:         RealClock{},
		Logger:        slog.Default(),
		loader:        loader,
	}
	s.current.Store(newSnapshot(&Policy{}, SourceEmpty, time.Time{}, 0, 0, s.Logger))
	return s
}

// Current returns the live snapshot. It never blocks and never returns nil.
func (s *PolicyStore) Current() *Snapshot {
	return s.current.Load()
}

// Loaded reports whether at least one reload attempt has completed.
func (s *PolicyStore) Loaded() bool {
	return s.loaded.Load()
}

// LastReload returns the time of the most recent reload attempt.
func (s *PolicyStore) LastReload() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReload
}

// Due reports whether a reload attempt is allowed at now.
func (s *PolicyStore) Due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dueLocked(now)
}

func (s *PolicyStore) dueLocked(now time.Time) bool {
	if s.lastReload.IsZero() {
		return true
	}
	return now.Sub(s.lastReload) >= s.interval()
}

// ReloadIfDue runs the loader if the reload interval has elapsed since the
// last attempt. The attempt time is claimed before any I/O, whether the
// attempt then succeeds or not, so callers racing on the same instant or
// retrying after a failure within the interval perform no I/O. It
// reports whether this call performed the reload.
func (s *PolicyStore) ReloadIfDue(ctx context.Context, now time.Time) bool {
	s.mu.Lock()
	if !s.dueLocked(now) {
		s.mu.Unlock()
		return false
	}
	s.lastReload = now
	s.claims++
	claim := s.claims
	s.mu.Unlock()

	s.reload(ctx, now, claim)
	return true
}

// Reload forces an immediate reload regardless of the interval.
// Concurrent calls share one load.
func (s *PolicyStore) Reload(ctx context.Context) *Snapshot {
	v, _, _ := s.forced.Do("reload", func() (any, error) {
		now := s.clock().Now()
		s.mu.Lock()
		s.lastReload = now
		s.claims++
		claim := s.claims
		s.mu.Unlock()
		return s.reload(ctx, now, claim), nil
	})
	return v.(*Snapshot)
}

// reload runs the loader for the attempt numbered claim. A load that
// finishes after a later-claimed load has been published is discarded.
func (s *PolicyStore) reload(ctx context.Context, now time.Time, claim uint64) *Snapshot {
	logger := s.logger()
	defer s.loaded.Store(true)

	p, src := s.loader.Load(ctx)

	s.publishMu.Lock()
	prev := s.current.Load()

	if claim < s.published {
		s.publishMu.Unlock()
		logger.Debug("discarding superseded policy load", "source", src, "generation", prev.Generation)
		return prev
	}

	if src == SourceEmpty && prev.Source != SourceEmpty {
		s.publishMu.Unlock()
		logger.Warn("all policy sources failed, keeping previous policy",
			"source", prev.Source,
			"generation", prev.Generation,
			"loaded_at", prev.LoadedAt,
		)
		if s.OnStale != nil {
			s.OnStale(prev)
		}
		return prev
	}

	snap := newSnapshot(p, src, now, s.gen.Add(1), s.HostCacheSize, logger)
	s.current.Store(snap)
	s.published = claim
	s.publishMu.Unlock()

	logger.Info("policy reloaded",
		"source", src,
		"generation", snap.Generation,
		"blocked", len(snap.Policy.BlockedHosts),
		"excluded", len(snap.Policy.ExcludedHosts),
		"categories", len(snap.Policy.Categories),
	)
	if s.OnReload != nil {
		s.OnReload(snap)
	}
	return snap
}

func (s *PolicyStore) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return DefaultReloadInterval
}

func (s *PolicyStore) clock() Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return RealClock{}
}

func (s *PolicyStore) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
