package proxyvisor

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

const (
	defaultLeaseTTL = 2 * time.Hour
	leaseRetryDelay = time.Minute
	wakeLeaseReason = "proxy instances running"
)

// LifecycleOptions configures a Lifecycle.
type LifecycleOptions struct {
	WakeLocker WakeLocker
	Indicator  Indicator
	// LeaseTTL bounds every wake lease; leases are renewed before it elapses.
	LeaseTTL time.Duration
	Logger   *slog.Logger
	// OnIdle runs after the last instance is gone. It must not block on the
	// supervisor.
	OnIdle func()
}

// Lifecycle derives the supervisor's Idle/Active state from registry
// occupancy and owns the resources held while Active.
type Lifecycle struct {
	mu        sync.Mutex
	reg       Table
	locker    WakeLocker
	indicator Indicator
	ttl       time.Duration
	logger    *slog.Logger
	onIdle    func()

	active bool
	// holds keeps the state Active across a momentarily empty registry.
	holds int
	shown []string
	lease Lease
	renew *time.Timer
	// gen invalidates renewal timers from an earlier Active period.
	gen int
}

func NewLifecycle(reg Table, opts LifecycleOptions) *Lifecycle {
	if opts.WakeLocker == nil {
		opts.WakeLocker = NopWakeLocker{}
	}
	if opts.Indicator == nil {
		opts.Indicator = nopIndicator{}
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Lifecycle{
		reg:       reg,
		locker:    opts.WakeLocker,
		indicator: opts.Indicator,
		ttl:       opts.LeaseTTL,
		logger:    opts.Logger,
		onIdle:    opts.OnIdle,
	}
}

// Active reports whether resources are currently held.
func (l *Lifecycle) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Hold keeps the lifecycle Active while the registry is briefly empty, as it
// is between stopping and respawning a same-name instance. Every Hold needs a
// matching Release.
func (l *Lifecycle) Hold() {
	l.mu.Lock()
	l.holds++
	l.mu.Unlock()
}

// Release drops one Hold and reconciles with the registry.
func (l *Lifecycle) Release() {
	l.mu.Lock()
	if l.holds > 0 {
		l.holds--
	}
	l.mu.Unlock()
	l.Sync()
}

// Sync reconciles held resources with the registry. It re-reads the registry
// itself, so concurrent callers converge on the latest occupancy.
func (l *Lifecycle) Sync() {
	l.mu.Lock()
	names := l.reg.List()
	var idle func()
	switch {
	case len(names) > 0 && !l.active:
		l.active = true
		activeGauge.Set(1)
		l.logger.Info("Lifecycle: active", slog.Int("instances", len(names)))
		l.acquireLocked()
		l.showLocked(names)
	case len(names) > 0:
		l.showLocked(names)
	case l.active && l.holds == 0:
		l.active = false
		activeGauge.Set(0)
		l.logger.Info("Lifecycle: idle")
		l.releaseLocked()
		if err := l.indicator.Clear(); err != nil {
			l.logger.Warn("Lifecycle: failed to clear status indicator", slog.String("err", err.Error()))
		}
		l.shown = nil
		idle = l.onIdle
	}
	l.mu.Unlock()

	if idle != nil {
		idle()
	}
}

// Close releases everything regardless of registry state.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return
	}
	l.active = false
	activeGauge.Set(0)
	l.releaseLocked()
	_ = l.indicator.Clear()
	l.shown = nil
}

func (l *Lifecycle) showLocked(names []string) {
	if slices.Equal(names, l.shown) {
		return
	}
	if err := l.indicator.Show(names); err != nil {
		l.logger.Warn("Lifecycle: failed to publish status indicator", slog.String("err", err.Error()))
		return
	}
	l.shown = names
}

func (l *Lifecycle) acquireLocked() {
	l.gen++
	lease, err := l.locker.Acquire(wakeLeaseReason, l.ttl)
	if err != nil {
		l.logger.Warn("Lifecycle: wake lease not acquired", slog.String("err", err.Error()))
		l.scheduleLocked(retryAfter(l.ttl))
		return
	}
	l.lease = lease
	l.scheduleLocked(renewAfter(l.ttl))
}

func (l *Lifecycle) releaseLocked() {
	l.gen++
	if l.renew != nil {
		l.renew.Stop()
		l.renew = nil
	}
	if l.lease != nil {
		if err := l.lease.Release(); err != nil {
			l.logger.Warn("Lifecycle: wake lease release failed", slog.String("err", err.Error()))
		}
		l.lease = nil
	}
}

func (l *Lifecycle) scheduleLocked(d time.Duration) {
	gen := l.gen
	l.renew = time.AfterFunc(d, func() { l.renewLease(gen) })
}

// renewLease swaps in a fresh lease before the current one runs out.
func (l *Lifecycle) renewLease(gen int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active || gen != l.gen {
		return
	}
	lease, err := l.locker.Acquire(wakeLeaseReason, l.ttl)
	if err != nil {
		l.logger.Warn("Lifecycle: wake lease renewal failed", slog.String("err", err.Error()))
		l.scheduleLocked(retryAfter(l.ttl))
		return
	}
	if l.lease != nil {
		if err := l.lease.Release(); err != nil {
			l.logger.Warn("Lifecycle: old wake lease release failed", slog.String("err", err.Error()))
		}
	}
	l.lease = lease
	l.logger.Debug("Lifecycle: wake lease renewed", slog.Duration("ttl", l.ttl))
	l.scheduleLocked(renewAfter(l.ttl))
}

func renewAfter(ttl time.Duration) time.Duration {
	return ttl - ttl/10
}

func retryAfter(ttl time.Duration) time.Duration {
	return min(leaseRetryDelay, renewAfter(ttl))
}
