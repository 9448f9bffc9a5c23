// Package congestion implements the §4.6 BBR-style congestion controller:
// an EWMA RTT estimate, a 10-second RTT-minimum window, a delivery-rate
// estimate, and a probe/drain/steady pacing-gain cycle that sets the
// congestion window to bandwidth-delay product times gain. A
// golang.org/x/time/rate token bucket (the same dependency the teacher's
// go.mod already carries, applied here the way xray-core's pack entry
// uses it to gate egress) turns that window into an actual admission gate
// for the multipath scheduler.
package congestion

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Phase is a position in the pacing-gain cycle (spec §4.6: "gain cycles
// through probe/drain/steady phases").
type Phase uint8

const (
	PhaseProbe Phase = iota
	PhaseDrain
	PhaseSteady
)

func (p Phase) String() string {
	switch p {
	case PhaseProbe:
		return "Probe"
	case PhaseDrain:
		return "Drain"
	case PhaseSteady:
		return "Steady"
	default:
		return "Unknown"
	}
}

// gainCycle is the pacing gain applied at each phase: probe pushes above
// the estimated bandwidth-delay product to discover more capacity, drain
// pulls back to dissipate the queue probe built up, steady holds at the
// estimate.
var gainCycle = [...]float64{PhaseProbe: 1.25, PhaseDrain: 0.75, PhaseSteady: 1.0}

// rttMinWindow is how far back the RTT-minimum is tracked (spec: "10
// seconds").
const rttMinWindow = 10 * time.Second

// rttAlpha is the EWMA smoothing factor (spec: "α = 0.125").
const rttAlpha = 0.125

// lossGainPenalty is how much a loss signal shrinks gain; applied to the
// current phase's gain rather than halving the window, per spec's
// explicit instruction to avoid the classic sawtooth.
const lossGainPenalty = 0.85

const minGain = 0.25

type rttSample struct {
	at  time.Time
	rtt time.Duration
}

// Config holds the controller's tunables.
type Config struct {
	PhaseDuration  time.Duration // how long each gain-cycle phase lasts
	InitialRTT     time.Duration
	MinCWND        uint64
	MaxCWND        uint64
}

func DefaultConfig() Config {
	return Config{
		PhaseDuration: 200 * time.Millisecond,
		InitialRTT:    100 * time.Millisecond,
		MinCWND:       4 * 1024,
		MaxCWND:       64 * 1024 * 1024,
	}
}

// Controller is one path's (or connection's) BBR-style rate estimator and
// admission gate. Safe for concurrent use.
type Controller struct {
	mu  sync.Mutex
	cfg Config

	rttEWMA  time.Duration
	rttMin   time.Duration
	samples  []rttSample
	haveRTT  bool

	deliveryRate float64 // bytes/sec, EWMA-smoothed

	phase         Phase
	phaseDeadline time.Time
	gain          float64

	limiter *rate.Limiter
}

// New constructs a Controller starting in the Probe phase.
func New(cfg Config, now time.Time) *Controller {
	c := &Controller{
		cfg:     cfg,
		rttEWMA: cfg.InitialRTT,
		rttMin:  cfg.InitialRTT,
		phase:   PhaseProbe,
		gain:    gainCycle[PhaseProbe],
	}
	c.phaseDeadline = now.Add(cfg.PhaseDuration)
	c.limiter = rate.NewLimiter(rate.Limit(1), int(cfg.MinCWND))
	c.applyLimiterLocked()
	return c
}

// OnRTTSample folds a fresh RTT measurement into the EWMA and the
// 10-second minimum-tracking window.
func (c *Controller) OnRTTSample(rtt time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.haveRTT {
		c.rttEWMA = rtt
		c.haveRTT = true
	} else {
		c.rttEWMA = time.Duration(float64(c.rttEWMA)*(1-rttAlpha) + float64(rtt)*rttAlpha)
	}

	c.samples = append(c.samples, rttSample{at: now, rtt: rtt})
	cutoff := now.Add(-rttMinWindow)
	kept := c.samples[:0]
	min := rtt
	for _, s := range c.samples {
		if s.at.Before(cutoff) {
			continue
		}
		kept = append(kept, s)
		if s.rtt < min {
			min = s.rtt
		}
	}
	c.samples = kept
	c.rttMin = min

	c.advancePhaseLocked(now)
	c.applyLimiterLocked()
}

// OnDeliverySample folds a (bytes delivered, elapsed interval) observation
// into the delivery-rate EWMA.
func (c *Controller) OnDeliverySample(bytes uint64, interval time.Duration, now time.Time) {
	if interval <= 0 {
		return
	}
	instantaneous := float64(bytes) / interval.Seconds()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deliveryRate == 0 {
		c.deliveryRate = instantaneous
	} else {
		c.deliveryRate = c.deliveryRate*(1-rttAlpha) + instantaneous*rttAlpha
	}
	c.advancePhaseLocked(now)
	c.applyLimiterLocked()
}

// OnLossSignal shrinks the current phase's gain instead of halving the
// window (spec §4.6: "reduces gain rather than halving the window").
func (c *Controller) OnLossSignal(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advancePhaseLocked(now)
	c.gain *= lossGainPenalty
	if c.gain < minGain {
		c.gain = minGain
	}
	c.applyLimiterLocked()
}

// advancePhaseLocked cycles Probe -> Drain -> Steady -> Probe once the
// current phase's deadline has passed, resetting gain to that phase's
// base value (a loss penalty only discounts the phase currently active,
// so the next phase starts fresh).
func (c *Controller) advancePhaseLocked(now time.Time) {
	if now.Before(c.phaseDeadline) {
		return
	}
	c.phase = (c.phase + 1) % Phase(len(gainCycle))
	c.gain = gainCycle[c.phase]
	c.phaseDeadline = now.Add(c.cfg.PhaseDuration)
}

// Phase returns the current pacing-gain phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// CWND returns the current congestion window: bandwidth-delay product
// times gain, clamped to [MinCWND, MaxCWND].
func (c *Controller) CWND() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwndLocked()
}

func (c *Controller) cwndLocked() uint64 {
	bdp := c.deliveryRate * c.rttMin.Seconds()
	cwnd := uint64(bdp * c.gain)
	if cwnd < c.cfg.MinCWND {
		cwnd = c.cfg.MinCWND
	}
	if cwnd > c.cfg.MaxCWND {
		cwnd = c.cfg.MaxCWND
	}
	return cwnd
}

// applyLimiterLocked keeps the token bucket's burst (the window) and
// refill rate (the paced delivery rate) in sync with the latest estimate.
func (c *Controller) applyLimiterLocked() {
	cwnd := c.cwndLocked()
	paced := c.deliveryRate * c.gain
	if paced <= 0 {
		paced = float64(c.cfg.MinCWND)
	}
	c.limiter.SetBurst(int(cwnd))
	c.limiter.SetLimit(rate.Limit(paced))
}

// Admit reports whether n bytes may be sent right now without waiting.
func (c *Controller) Admit(n int) bool {
	c.mu.Lock()
	l := c.limiter
	c.mu.Unlock()
	return l.AllowN(time.Now(), n)
}

// Wait blocks until n bytes are admitted or ctx is done.
func (c *Controller) Wait(ctx context.Context, n int) error {
	c.mu.Lock()
	l := c.limiter
	c.mu.Unlock()
	return l.WaitN(ctx, n)
}
