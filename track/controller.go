/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package track

import (
	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"

	"github.com/orbitns/timesync/clock"
	"github.com/orbitns/timesync/ptime"
	"github.com/orbitns/timesync/servo"
)

// State of the tracking state machine.
type State uint8

// All controller states.
const (
	StateIdle State = iota
	StateAcquiring
	StateTracking
	StateFault
)

var stateToString = map[State]string{
	StateIdle:      "IDLE",
	StateAcquiring: "ACQUIRING",
	StateTracking:  "TRACKING",
	StateFault:     "FAULT",
}

func (s State) String() string {
	return stateToString[s]
}

// Controller consumes timestamped protocol messages from the transport
// layer and drives the clock towards the remote reference.
//
// The controller borrows its Clock: the clock instance is supplied at
// construction and outlives the controller. Exactly one controller may
// drive a given clock. All methods are meant to be called from a single
// cooperative thread of control; measurements must be handed over in
// network delivery order.
//
// Steps (Set/Adjust) are only issued outside Tracking. In steady state
// every accepted measurement turns into a rate trim, so the clock never
// jumps visibly during normal operation.
type Controller struct {
	cfg   Config
	clk   clock.Clock
	servo servo.Servo
	cache *Cache
	meas  *measurements
	stats *Stats

	state     State
	samples   int
	lastValid ptime.Time // local time of the last valid measurement
	faultAt   ptime.Time // local time of the fault transition
	lastMeas  ptime.Time // t2 of the previous accepted measurement
	haveLast  bool

	lastResult  Measurement
	haveResult  bool
	offsetStats *welford.Stats
}

// NewController creates a controller in the Idle state.
func NewController(cfg Config, clk clock.Clock, srv servo.Servo) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache := NewCache(cfg.CacheSize, cfg.PathDelayFilter)
	cache.SetDiscardBelow(ptime.FromDuration(cfg.PathDelayDiscardBelow))
	return &Controller{
		cfg:         cfg,
		clk:         clk,
		servo:       srv,
		cache:       cache,
		meas:        newMeasurements(),
		offsetStats: welford.New(),
	}, nil
}

// SetStats attaches an optional stats sink.
func (c *Controller) SetStats(s *Stats) {
	c.stats = s
}

// RegisterWith subscribes the periodic tick to a scheduler handle.
func (c *Controller) RegisterWith(keeper *clock.Timekeeper) {
	keeper.Register(c.Tick)
}

// State returns the current tracking state.
func (c *Controller) State() State {
	return c.state
}

// CacheLen returns how many measurements are currently cached.
func (c *Controller) CacheLen() int {
	return c.cache.Len()
}

// LastMeasurement returns the most recent accepted measurement.
func (c *Controller) LastMeasurement() (Measurement, bool) {
	return c.lastResult, c.haveResult
}

// OffsetStats returns running statistics over all offset estimates fed
// to the servo, in nanoseconds.
func (c *Controller) OffsetStats() *welford.Stats {
	return c.offsetStats
}

func (c *Controller) transition(to State) {
	log.Infof("tracking: %s -> %s", c.state, to)
	c.state = to
	c.stats.transition(to)
}

// Start establishes the association: the reference has been selected
// and measurement collection begins.
func (c *Controller) Start() {
	if c.state != StateIdle {
		log.Warningf("tracking: Start in state %s ignored", c.state)
		return
	}
	c.samples = 0
	c.haveLast = false
	c.lastValid = c.clk.Now()
	c.transition(StateAcquiring)
}

// Stop tears the association down. Safe and immediate in any state; no
// pending work is held.
func (c *Controller) Stop() {
	if c.state == StateIdle {
		return
	}
	c.cache.Clear()
	c.meas.clear()
	c.servo.Reset()
	c.samples = 0
	c.haveLast = false
	c.haveResult = false
	c.transition(StateIdle)
}

// HandleSync records the local receive time of a Sync message and the
// correctionField it accumulated on the forward path.
func (c *Controller) HandleSync(seq uint16, rx ptime.Time, correction ptime.Time) {
	if !c.accepting() {
		return
	}
	if m, done := c.meas.addSync(seq, rx, correction); done {
		c.process(m)
	}
}

// HandleFollowUp records the precise reference transmit time of a Sync.
func (c *Controller) HandleFollowUp(seq uint16, t1 ptime.Time) {
	if !c.accepting() {
		return
	}
	if m, done := c.meas.addFollowUp(seq, t1); done {
		c.process(m)
	}
}

// HandleDelayReqSent records the local transmit timestamp of a DelayReq.
func (c *Controller) HandleDelayReqSent(seq uint16, tx ptime.Time) {
	if !c.accepting() {
		return
	}
	if m, done := c.meas.addDelayReq(seq, tx); done {
		c.process(m)
	}
}

// HandleDelayResp records the reference receive time reported by a
// DelayResp and the reverse path correctionField.
func (c *Controller) HandleDelayResp(seq uint16, t4 ptime.Time, correction ptime.Time) {
	if !c.accepting() {
		return
	}
	if m, done := c.meas.addDelayResp(seq, t4, correction); done {
		c.process(m)
	}
}

func (c *Controller) accepting() bool {
	return c.state == StateAcquiring || c.state == StateTracking
}

// process runs one completed exchange through the state machine.
func (c *Controller) process(m Measurement) {
	if m.PathDelay.IsNegative() {
		log.Warningf("tracking: measurement rejected: %v", errNegativeDelay)
		c.stats.reject()
		return
	}

	sanity := ptime.FromDuration(c.cfg.OffsetSanity)
	if m.Offset.Abs().Greater(sanity) {
		if c.state == StateTracking {
			// a multi-second jump while locked is message loss or
			// reordering, not drift; the timeout will fault us out if
			// measurements don't come back
			log.Warningf("tracking: offset %v exceeds sanity bound, rejected", m.Offset)
			c.stats.reject()
			return
		}
		c.step(m.Offset)
		return
	}

	if err := c.cache.Insert(m.LocalTime, m.RemoteTime, m.PathDelay); err != nil {
		log.Warningf("tracking: measurement rejected: %v", err)
		c.stats.reject()
		return
	}
	c.lastValid = c.clk.Now()
	c.lastResult = m
	c.haveResult = true

	var interval ptime.Time
	haveInterval := false
	if c.haveLast {
		interval = m.LocalTime.Sub(c.lastMeas)
		haveInterval = !interval.IsNegative() && !interval.Equal(ptime.TimeZero)
	}
	c.lastMeas = m.LocalTime
	c.haveLast = true

	if c.state == StateAcquiring {
		c.samples++
		if c.samples >= c.cfg.MinSamples {
			c.transition(StateTracking)
		}
		return
	}

	// Tracking: every accepted measurement updates the servo and trims
	// the clock rate
	if !haveInterval {
		log.Debugf("tracking: no usable interval for this sample, skipping servo update")
		return
	}
	offset, err := c.cache.OffsetEstimate()
	if err != nil {
		log.Warningf("tracking: %v", err)
		return
	}
	trim := c.servo.Observe(offset, interval)
	c.clk.SetRate(trim)
	c.offsetStats.Add(float64(offset.DeltaNanoseconds()))

	delay, _ := c.cache.PathDelayEstimate()
	c.stats.observe(offset.DeltaNanoseconds(), delay.DeltaNanoseconds(), c.clk.RatePPM())
	log.Debugf("tracking: offset %v delay %v trim %d", offset, delay, trim)
}

// step applies a coarse correction during acquisition and restarts
// sample collection.
func (c *Controller) step(offset ptime.Time) {
	residual := c.clk.Adjust(offset.Neg())
	if !residual.Equal(ptime.TimeZero) {
		// the clock only applied part of the step; the remainder shows
		// up in subsequent measurements and drains through the freshly
		// reset servo
		log.Warningf("tracking: step left residual %v", residual)
	}
	log.Infof("tracking: stepped clock by %v during acquisition", offset.Neg())
	c.stats.step()
	c.cache.Clear()
	c.servo.Reset()
	c.samples = 0
	c.haveLast = false
	c.lastValid = c.clk.Now()
}

// Tick evaluates time-driven transitions. It is invoked by the
// registered scheduler on every poll pass.
func (c *Controller) Tick() {
	now := c.clk.Now()
	switch c.state {
	case StateTracking:
		if now.Sub(c.lastValid).Greater(ptime.FromDuration(c.cfg.MeasurementTimeout)) {
			log.Warningf("tracking: no valid measurement for %v, entering fault state", c.cfg.MeasurementTimeout)
			c.cache.Clear()
			c.meas.clear()
			c.servo.Reset()
			c.faultAt = now
			c.transition(StateFault)
		}
	case StateFault:
		if now.Sub(c.faultAt).Greater(ptime.FromDuration(c.cfg.FaultBackoff)) {
			c.samples = 0
			c.haveLast = false
			c.lastValid = now
			c.transition(StateAcquiring)
		}
	}
}
