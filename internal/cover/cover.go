// Package cover implements the §4.8 cover-traffic controller: a
// Poisson-distributed dummy-packet source whose rate is recomputed
// periodically from observed link utilization and the connection's power
// state. The timer-driven worker loop and its exponential inter-arrival
// sampling are adapted from server/internal/decoy/decoy.go's worker
// method, which schedules loop-decoy packets the same way against a PKI
// document's LambdaM; here the schedule comes from local utilization and
// power-state observations instead of a PKI document.
package cover

import (
	"math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"golang.org/x/time/rate"

	"github.com/SeleniaProject/Nyx-sub000/internal/worker"
)

// PowerState selects the power_factor term in the lambda recomputation
// (spec §4.8).
type PowerState uint8

const (
	PowerActive PowerState = iota
	PowerBackground
	PowerInactive
	PowerCritical
)

func (s PowerState) factor() float64 {
	switch s {
	case PowerActive:
		return 1.0
	case PowerBackground:
		return 0.4
	case PowerInactive:
		return 0.1
	case PowerCritical:
		return 0.05
	default:
		return 1.0
	}
}

func (s PowerState) String() string {
	switch s {
	case PowerActive:
		return "Active"
	case PowerBackground:
		return "Background"
	case PowerInactive:
		return "Inactive"
	case PowerCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// recomputeInterval is how often lambda is recomputed (spec: "every 15
// seconds").
const recomputeInterval = 15 * time.Second

// Sender emits one dummy packet of the given size, indistinguishable at
// the wire from a real frame on the named path (spec §4.8: "same size,
// same encryption, same PathID distribution").
type Sender interface {
	SendDummy(pathID uint8, size int) error
}

// PathSampler returns a PathID drawn from the connection's real-traffic
// PathID distribution, so dummy packets can't be singled out by their
// path choice.
type PathSampler func(rnd *rand.Rand) uint8

// Config holds the controller's tunables.
type Config struct {
	LambdaBase   float64 // base dummy rate in packets/sec at u=0, PowerActive
	LambdaMax    float64 // hard ceiling regardless of utilization/power
	DummySize    int
	SuppressExtraAtLowPower bool // suppress reorder-probes/extended keepalive below PowerBackground

	// UtilBandLow/UtilBandHigh bound the target measured-utilization band
	// (spec §4.8: "[0.2, 0.6]"). When utilization drifts outside this band,
	// lambda is nudged to restore it, still subject to LambdaMax.
	UtilBandLow  float64
	UtilBandHigh float64
}

func DefaultConfig() Config {
	return Config{
		LambdaBase:              2.0,
		LambdaMax:               200.0,
		DummySize:               1280,
		SuppressExtraAtLowPower: true,
		UtilBandLow:             0.2,
		UtilBandHigh:            0.6,
	}
}

// Band-nudge tuning: how aggressively the multiplier moves per recompute
// tick when utilization sits outside [UtilBandLow, UtilBandHigh], and how
// far it may drift from neutral (1.0) in either direction.
const (
	nudgeStep = 1.15
	nudgeMax  = 4.0
	nudgeMin  = 0.25
)

// Controller drives one connection's dummy-packet source.
type Controller struct {
	worker.Worker
	mu sync.Mutex

	log    *log.Logger
	cfg    Config
	sender Sender
	path   PathSampler
	rnd    *rand.Rand
	nowFn  func() time.Time

	utilization float64
	power       PowerState
	lambda      float64
	nudge       float64 // multiplier restoring utilization to the target band

	limiter *rate.Limiter
}

// New constructs a Controller. rnd must not be shared with other
// goroutines; pass a *rand.Rand seeded independently per connection.
func New(cfg Config, sender Sender, path PathSampler, rnd *rand.Rand, nowFn func() time.Time, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	c := &Controller{
		log:    logger.WithPrefix("cover"),
		cfg:    cfg,
		sender: sender,
		path:   path,
		rnd:    rnd,
		nowFn:  nowFn,
		power:  PowerActive,
		nudge:  1.0,
	}
	c.lambda = c.computeLambdaLocked()
	c.limiter = rate.NewLimiter(rate.Limit(c.cfg.LambdaMax), 1)
	return c
}

// SetUtilization updates the observed link-utilization fraction in
// [0, 1]; it takes effect at the next recomputation tick.
func (c *Controller) SetUtilization(u float64) {
	if u < 0 {
		u = 0
	}
	if u > 1 {
		u = 1
	}
	c.mu.Lock()
	c.utilization = u
	c.mu.Unlock()
}

// SetPowerState updates the connection's power state.
func (c *Controller) SetPowerState(s PowerState) {
	c.mu.Lock()
	c.power = s
	c.mu.Unlock()
}

// computeLambdaLocked implements lambda = lambda_base * (1+u) * power_factor
// * nudge, clamped to LambdaMax. Caller holds c.mu. nudge defaults to 1.0
// and is only moved off neutral by updateNudgeLocked, so a Controller that
// has not yet had a recompute tick reduces to the bare spec formula. Once
// moved, nudge persists across SetUtilization calls.
func (c *Controller) computeLambdaLocked() float64 {
	l := c.cfg.LambdaBase * (1 + c.utilization) * c.power.factor() * c.nudge
	if l > c.cfg.LambdaMax {
		l = c.cfg.LambdaMax
	}
	if l < 0 {
		l = 0
	}
	return l
}

// updateNudgeLocked restores measured utilization toward the target band
// (spec §4.8: band [0.2, 0.6] by default) by growing or shrinking the
// lambda multiplier one step per recompute tick: utilization below the
// band means too little cover traffic is padding the link, so lambda is
// nudged up; above the band means cover traffic itself is pushing
// utilization too high, so lambda is nudged down. Inside the band the
// multiplier relaxes halfway back toward neutral each tick rather than
// snapping, so a momentary in-band sample doesn't erase an established
// nudge outright. Caller holds c.mu.
func (c *Controller) updateNudgeLocked() {
	switch {
	case c.utilization < c.cfg.UtilBandLow:
		c.nudge *= nudgeStep
		if c.nudge > nudgeMax {
			c.nudge = nudgeMax
		}
	case c.utilization > c.cfg.UtilBandHigh:
		c.nudge /= nudgeStep
		if c.nudge < nudgeMin {
			c.nudge = nudgeMin
		}
	default:
		c.nudge += (1.0 - c.nudge) * 0.5
	}
}

// Lambda returns the currently active dummy rate in packets/sec.
func (c *Controller) Lambda() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lambda
}

// ExtraProbesSuppressed reports whether reorder-probes and extended
// keepalives should be suppressed given the current power state (spec
// supplement: low-power connections shed non-essential traffic first).
func (c *Controller) ExtraProbesSuppressed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.SuppressExtraAtLowPower && c.power >= PowerInactive
}

func (c *Controller) nextInterval() time.Duration {
	c.mu.Lock()
	lambda := c.lambda
	c.mu.Unlock()
	if lambda <= 0 {
		return time.Hour
	}
	// mean inter-arrival time for a Poisson process of rate lambda is
	// 1/lambda seconds; sample it exponentially the same way
	// server/internal/decoy/decoy.go samples its LambdaM wake interval.
	meanSeconds := 1.0 / lambda
	sample := c.rnd.ExpFloat64() * meanSeconds
	return time.Duration(sample * float64(time.Second))
}

// Run starts the dummy-packet and recomputation loops. Call Halt/Wait
// (embedded from worker.Worker) to stop it.
func (c *Controller) Run() {
	c.Go(c.dummyLoop)
	c.Go(c.recomputeLoop)
}

func (c *Controller) dummyLoop() {
	timer := time.NewTimer(c.nextInterval())
	defer timer.Stop()
	for {
		select {
		case <-c.HaltCh():
			return
		case <-timer.C:
			c.emitDummy()
			timer.Reset(c.nextInterval())
		}
	}
}

func (c *Controller) recomputeLoop() {
	ticker := time.NewTicker(recomputeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.HaltCh():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.updateNudgeLocked()
			c.lambda = c.computeLambdaLocked()
			lambda, nudge := c.lambda, c.nudge
			c.mu.Unlock()
			c.log.Debugf("recomputed lambda=%.3f util=%.2f power=%s nudge=%.2f", lambda, c.utilization, c.power, nudge)
		}
	}
}

func (c *Controller) emitDummy() {
	c.mu.Lock()
	size := c.cfg.DummySize
	c.mu.Unlock()

	if !c.limiter.Allow() {
		return
	}
	pathID := uint8(0)
	if c.path != nil {
		pathID = c.path(c.rnd)
	}
	if err := c.sender.SendDummy(pathID, size); err != nil {
		c.log.Debugf("dummy send failed: %v", err)
	}
}
