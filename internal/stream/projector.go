package stream

import (
	"sync"
	"time"

	"stakestream/internal/clock"
)

const (
	DefaultInterval       = 100 * time.Millisecond
	DefaultFrameThreshold = 100 * time.Millisecond
	// DefaultFrameInterval approximates a 60Hz display refresh.
	DefaultFrameInterval = 16 * time.Millisecond
	DefaultEpsilon       = 1e-6
)

// Config controls a Projector. Zero fields take the defaults above.
type Config struct {
	// Interval is how often the projected value is recomputed.
	Interval time.Duration
	// Intervals up to FrameThreshold are driven by the frame loop.
	FrameThreshold time.Duration
	FrameInterval  time.Duration
	Epsilon        float64
	Clock          clock.Clock
	Scheduler      clock.Scheduler
	// OnUpdate receives every recomputed value. It runs without the projector lock held.
	OnUpdate func(value float64)
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.FrameThreshold <= 0 {
		c.FrameThreshold = DefaultFrameThreshold
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = DefaultFrameInterval
	}
	if c.Epsilon <= 0 {
		c.Epsilon = DefaultEpsilon
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Scheduler == nil {
		c.Scheduler = clock.Real{}
	}
	return c
}

// Mode is how recomputation is scheduled.
type Mode int

const (
	ModeIdle Mode = iota
	ModeFrame
	ModeTimer
)

func (m Mode) String() string {
	switch m {
	case ModeFrame:
		return "frame"
	case ModeTimer:
		return "timer"
	default:
		return "idle"
	}
}

// Projector keeps a live projection of one base/rate pair. The value is
// always recomputed from the pair, never accumulated, so ticks and rebases
// may interleave freely.
type Projector struct {
	cfg Config

	mu          sync.Mutex
	base        float64
	rate        float64
	observedAt  time.Time
	current     float64
	lastCompute time.Time
	started     bool
	visible     bool
	mode        Mode
	cancel      func()
}

// NewProjector builds a stopped, visible projector for the given pair.
func NewProjector(base, ratePerSecond float64, observedAt time.Time, cfg Config) *Projector {
	cfg = cfg.withDefaults()
	p := &Projector{
		cfg:        cfg,
		base:       base,
		rate:       ratePerSecond,
		observedAt: observedAt,
		visible:    true,
	}
	p.current = Project(base, ratePerSecond, observedAt, cfg.Clock.Now())
	return p
}

// Start computes the current value and begins periodic recomputation.
// With a non-positive rate the value is constant and nothing is scheduled.
func (p *Projector) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	value := p.recomputeLocked()
	p.scheduleLocked()
	p.mu.Unlock()

	p.notify(value)
}

// Stop cancels scheduled recomputation. The last value stays readable.
func (p *Projector) Stop() {
	p.mu.Lock()
	p.started = false
	p.unscheduleLocked()
	p.mu.Unlock()
}

// Rebase offers a freshly confirmed pair. If the rate is unchanged and the
// pair projects to within epsilon of the current projection, it is ignored
// and false is returned; otherwise it is adopted.
func (p *Projector) Rebase(base, ratePerSecond float64, observedAt time.Time) bool {
	p.mu.Lock()
	now := p.cfg.Clock.Now()
	if ratePerSecond == p.rate {
		proposed := Project(base, ratePerSecond, observedAt, now)
		existing := Project(p.base, p.rate, p.observedAt, now)
		if Within(proposed, existing, p.cfg.Epsilon) {
			p.mu.Unlock()
			return false
		}
	}

	p.base = base
	p.rate = ratePerSecond
	p.observedAt = observedAt
	value := p.recomputeLocked()
	if p.started {
		p.unscheduleLocked()
		p.scheduleLocked()
	}
	p.mu.Unlock()

	p.notify(value)
	return true
}

// SetVisible pauses scheduling while hidden. Becoming visible recomputes
// once immediately and resumes; missed ticks are not replayed.
func (p *Projector) SetVisible(visible bool) {
	p.mu.Lock()
	if p.visible == visible {
		p.mu.Unlock()
		return
	}
	p.visible = visible
	if !visible {
		p.unscheduleLocked()
		p.mu.Unlock()
		return
	}

	value := p.recomputeLocked()
	p.scheduleLocked()
	p.mu.Unlock()

	p.notify(value)
}

// Current returns the most recently computed value.
func (p *Projector) Current() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Pair returns the base, rate and observation time being projected.
func (p *Projector) Pair() (base, ratePerSecond float64, observedAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.base, p.rate, p.observedAt
}

// Mode reports how recomputation is currently scheduled.
func (p *Projector) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func (p *Projector) recomputeLocked() float64 {
	now := p.cfg.Clock.Now()
	p.current = Project(p.base, p.rate, p.observedAt, now)
	p.lastCompute = now
	return p.current
}

func (p *Projector) scheduleLocked() {
	if p.cancel != nil || !p.started || !p.visible || p.rate <= 0 {
		return
	}
	if p.cfg.Interval <= p.cfg.FrameThreshold {
		p.mode = ModeFrame
		p.cancel = p.cfg.Scheduler.Every(p.cfg.FrameInterval, p.frame)
		return
	}
	p.mode = ModeTimer
	p.cancel = p.cfg.Scheduler.Every(p.cfg.Interval, p.tick)
}

func (p *Projector) unscheduleLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mode = ModeIdle
}

// frame runs on every display frame and recomputes at most once per interval.
func (p *Projector) frame() {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return
	}
	if p.cfg.Clock.Now().Sub(p.lastCompute) < p.cfg.Interval {
		p.mu.Unlock()
		return
	}
	value := p.recomputeLocked()
	p.mu.Unlock()

	p.notify(value)
}

func (p *Projector) tick() {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return
	}
	value := p.recomputeLocked()
	p.mu.Unlock()

	p.notify(value)
}

func (p *Projector) notify(value float64) {
	if p.cfg.OnUpdate != nil {
		p.cfg.OnUpdate(value)
	}
}
