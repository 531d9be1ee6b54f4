package refresh

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"stakestream/internal/metrics"
	"stakestream/internal/model"
	"stakestream/internal/stream"
)

// Option adjusts a single refresh call.
type Option func(*refreshOptions)

type refreshOptions struct {
	force bool
}

// Force bypasses cache TTLs for the refresh.
func Force() Option {
	return func(o *refreshOptions) { o.force = true }
}

func applyOptions(opts []Option) refreshOptions {
	var o refreshOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RegisterActive marks token as rendered: it gets a running projector and is
// included in periodic refreshes. Registering an untracked token is allowed;
// its projector starts once a refresh produces a position for it.
func (o *Orchestrator) RegisterActive(token string) error {
	addr, err := model.ParseAddress(token)
	if err != nil {
		return err
	}
	key := model.AddressKey(addr)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if _, ok := o.active[key]; ok {
		return nil
	}
	var projector *stream.Projector
	if pos, ok := o.positions[key]; ok {
		projector = o.startProjectorLocked(pos)
	}
	o.active[key] = projector
	metrics.ActiveTokens.Inc()
	return nil
}

// UnregisterActive stops the token's projector immediately.
func (o *Orchestrator) UnregisterActive(token string) error {
	addr, err := model.ParseAddress(token)
	if err != nil {
		return err
	}
	key := model.AddressKey(addr)

	o.mu.Lock()
	defer o.mu.Unlock()
	projector, ok := o.active[key]
	if !ok {
		return nil
	}
	if projector != nil {
		projector.Stop()
	}
	delete(o.active, key)
	metrics.ActiveTokens.Dec()
	return nil
}

// Active returns the registered tokens in address order.
func (o *Orchestrator) Active() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeKeysLocked()
}

func (o *Orchestrator) activeKeysLocked() []string {
	keys := make([]string, 0, len(o.active))
	for key := range o.active {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// RefreshOne re-reads one tracked token. Concurrent calls for the same token
// share a single fetch.
func (o *Orchestrator) RefreshOne(ctx context.Context, token string, opts ...Option) error {
	addr, err := model.ParseAddress(token)
	if err != nil {
		return err
	}
	key := model.AddressKey(addr)
	if o.isClosed() {
		return ErrClosed
	}

	o.mu.RLock()
	_, tracked := o.phases[key]
	o.mu.RUnlock()
	if !tracked {
		return ErrUnknownToken
	}

	ro := applyOptions(opts)
	flightKey := "token:" + key
	if ro.force {
		flightKey += ":force"
	}
	_, err, _ = o.group.Do(flightKey, func() (any, error) {
		return nil, o.refreshTokens(ctx, "one", []string{key}, ro.force)
	})
	return err
}

// RefreshActive re-reads every active token that is currently tracked.
func (o *Orchestrator) RefreshActive(ctx context.Context, opts ...Option) error {
	if o.isClosed() {
		return ErrClosed
	}
	o.mu.RLock()
	keys := make([]string, 0, len(o.active))
	for _, key := range o.activeKeysLocked() {
		if _, ok := o.phases[key]; ok {
			keys = append(keys, key)
		}
	}
	o.mu.RUnlock()
	if len(keys) == 0 {
		return nil
	}

	ro := applyOptions(opts)
	flightKey := "active"
	if ro.force {
		flightKey += ":force"
	}
	_, err, _ := o.group.Do(flightKey, func() (any, error) {
		return nil, o.refreshTokens(ctx, "active", keys, ro.force)
	})
	return err
}

// StartPolling refreshes active tokens every refresh interval until the
// returned func or Close is called.
func (o *Orchestrator) StartPolling(ctx context.Context) (stop func()) {
	stop = func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.stopPollingLocked()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.pollCancel != nil {
		return stop
	}
	o.pollCancel = o.cfg.Scheduler.Every(o.cfg.RefreshInterval, func() {
		if err := o.RefreshActive(ctx); err != nil && !errors.Is(err, ErrClosed) {
			o.logger.Warn("periodic refresh failed", zap.Error(err))
		}
	})
	return stop
}

func (o *Orchestrator) stopPollingLocked() {
	if o.pollCancel != nil {
		o.pollCancel()
		o.pollCancel = nil
	}
}

// Run polls until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	stop := o.StartPolling(ctx)
	defer stop()
	<-ctx.Done()
	return ctx.Err()
}

// LiveBalance returns the current balance of a tracked token: the running
// projection for active positions, a fresh projection for inactive ones and
// the static balance for holdings.
func (o *Orchestrator) LiveBalance(token string) (float64, bool) {
	addr, err := model.ParseAddress(token)
	if err != nil {
		return 0, false
	}
	key := model.AddressKey(addr)

	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.liveBalanceLocked(key)
}

func (o *Orchestrator) liveBalanceLocked(key string) (float64, bool) {
	if pos, ok := o.positions[key]; ok {
		if projector := o.active[key]; projector != nil {
			return projector.Current(), true
		}
		return stream.Project(pos.BaseAmount.InexactFloat64(), pos.FlowRatePerSecond(), pos.LastObservedAt, o.cfg.Clock.Now()), true
	}
	if h, ok := o.holdings[key]; ok {
		return h.Balance.InexactFloat64(), true
	}
	return 0, false
}

// SetVisible pauses or resumes every running projector.
func (o *Orchestrator) SetVisible(visible bool) {
	o.mu.Lock()
	o.visible = visible
	projectors := make([]*stream.Projector, 0, len(o.active))
	for _, projector := range o.active {
		if projector != nil {
			projectors = append(projectors, projector)
		}
	}
	o.mu.Unlock()

	for _, projector := range projectors {
		projector.SetVisible(visible)
	}
}

func (o *Orchestrator) startProjectorLocked(pos model.StakePosition) *stream.Projector {
	projector := stream.NewProjector(pos.BaseAmount.InexactFloat64(), pos.FlowRatePerSecond(), pos.LastObservedAt, o.cfg.Stream)
	if !o.visible {
		projector.SetVisible(false)
	}
	projector.Start()
	return projector
}
