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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orbitns/timesync/clock"
	"github.com/orbitns/timesync/ptime"
	"github.com/orbitns/timesync/servo"
)

// harness pairs a simulated clock and timer with a controller and
// generates synthetic two-way exchanges against an ideal reference.
type harness struct {
	clk   *clock.SimulatedClock
	timer *clock.SimulatedTimer
	ctrl  *Controller
	ideal ptime.Time
	delay ptime.Time
	seq   uint16
}

func newHarness(t *testing.T, cfg Config, actualHz float64) *harness {
	t.Helper()
	clk := clock.NewSimulatedClock(1000000.0, actualHz)
	ctrl, err := NewController(cfg, clk, servo.NewPiServo(cfg.Pi))
	require.NoError(t, err)
	keeper := clock.NewTimekeeper()
	ctrl.RegisterWith(keeper)
	return &harness{
		clk:   clk,
		timer: clock.NewSimulatedTimer(keeper),
		ctrl:  ctrl,
		delay: usec(50),
	}
}

// advance moves both the simulated clock and ideal time, then fires the
// periodic tick through the scheduler.
func (h *harness) advance(d ptime.Time) {
	h.clk.Advance(d)
	h.ideal = h.ideal.Add(d)
	h.timer.Advance(d)
}

// exchange feeds one complete synthetic two-way exchange reflecting the
// clock's current error against the ideal reference.
func (h *harness) exchange() {
	h.seq++
	off := h.clk.Now().Sub(h.ideal)
	t1 := h.ideal
	t2 := t1.Add(h.delay).Add(off)
	t3 := t2.Add(ptime.OneMillisecond)
	t4 := t3.Sub(off).Add(h.delay)

	h.ctrl.HandleSync(h.seq, t2, ptime.TimeZero)
	h.ctrl.HandleFollowUp(h.seq, t1)
	h.ctrl.HandleDelayReqSent(h.seq, t3)
	h.ctrl.HandleDelayResp(h.seq, t4, ptime.TimeZero)
}

func TestControllerIdleIgnoresMessages(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 1000000.0)
	require.Equal(t, StateIdle, h.ctrl.State())

	h.exchange()
	require.Equal(t, 0, h.ctrl.CacheLen())
	_, ok := h.ctrl.LastMeasurement()
	require.False(t, ok)
}

func TestControllerAcquiringNeedsMinSamples(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg, 1000000.0)
	h.ctrl.Start()
	require.Equal(t, StateAcquiring, h.ctrl.State())

	for i := 0; i < cfg.MinSamples-1; i++ {
		h.advance(ptime.OneSecond)
		h.exchange()
		require.Equal(t, StateAcquiring, h.ctrl.State())
	}
	// no corrections are emitted before lock
	require.Equal(t, 0, h.clk.FineAdjustments())
	require.Equal(t, 0, h.clk.CoarseAdjustments())

	h.advance(ptime.OneSecond)
	h.exchange()
	require.Equal(t, StateTracking, h.ctrl.State())
}

func TestControllerTrackingAppliesRateCorrections(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg, 1000001.0)
	h.ctrl.Start()

	for i := 0; i < cfg.MinSamples+3; i++ {
		h.advance(ptime.OneSecond)
		h.exchange()
	}
	require.Equal(t, StateTracking, h.ctrl.State())
	require.Greater(t, h.clk.FineAdjustments(), 0)
	// rate trims only, never steps
	require.Equal(t, 0, h.clk.CoarseAdjustments())

	m, ok := h.ctrl.LastMeasurement()
	require.True(t, ok)
	require.Equal(t, usec(50), m.PathDelay)
}

func TestControllerConvergence(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg, 1000001.0)
	h.ctrl.Start()

	for i := 0; i < 120; i++ {
		h.advance(ptime.OneSecond)
		h.exchange()
	}
	require.Equal(t, StateTracking, h.ctrl.State())

	// the +1ppm oscillator error is absorbed by the trim and the
	// remaining offset is far below a microsecond
	offset := h.clk.Now().Sub(h.ideal).Abs()
	require.Less(t, offset.DeltaNanoseconds(), int64(1000))
	require.InDelta(t, -1.0, h.clk.RatePPM(), 0.05)
}

func TestControllerStepsDuringAcquisition(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg, 1000000.0)
	// local clock starts a minute off the reference
	h.clk.Set(ptime.New(60, 0, 0))
	coarseBase := h.clk.CoarseAdjustments()
	h.ctrl.Start()

	h.advance(ptime.OneSecond)
	h.exchange()
	// large first offset warrants a coarse step, not a trim
	require.Equal(t, coarseBase+1, h.clk.CoarseAdjustments())
	require.Equal(t, 0, h.clk.FineAdjustments())
	require.Equal(t, StateAcquiring, h.ctrl.State())
	require.Equal(t, 0, h.ctrl.CacheLen())

	// after the step the clock is back near the reference and
	// acquisition completes normally
	for i := 0; i < cfg.MinSamples; i++ {
		h.advance(ptime.OneSecond)
		h.exchange()
	}
	require.Equal(t, StateTracking, h.ctrl.State())
	offset := h.clk.Now().Sub(h.ideal).Abs()
	require.Less(t, offset.DeltaNanoseconds(), int64(1000))
}

func TestControllerNoStepsWhileTracking(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg, 1000000.0)
	h.ctrl.Start()
	for i := 0; i <= cfg.MinSamples; i++ {
		h.advance(ptime.OneSecond)
		h.exchange()
	}
	require.Equal(t, StateTracking, h.ctrl.State())
	coarseBase := h.clk.CoarseAdjustments()
	cacheBase := h.ctrl.CacheLen()

	// an exchange implying a multi-second jump is rejected outright
	h.seq++
	jump := ptime.New(10, 0, 0)
	t1 := h.ideal
	t2 := t1.Add(h.delay).Add(jump)
	t3 := t2.Add(ptime.OneMillisecond)
	t4 := t3.Sub(jump).Add(h.delay)
	h.ctrl.HandleSync(h.seq, t2, ptime.TimeZero)
	h.ctrl.HandleFollowUp(h.seq, t1)
	h.ctrl.HandleDelayReqSent(h.seq, t3)
	h.ctrl.HandleDelayResp(h.seq, t4, ptime.TimeZero)

	require.Equal(t, coarseBase, h.clk.CoarseAdjustments())
	require.Equal(t, cacheBase, h.ctrl.CacheLen())
	require.Equal(t, StateTracking, h.ctrl.State())
}

func TestControllerRejectsNegativeDelay(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg, 1000000.0)
	h.ctrl.Start()
	h.advance(ptime.OneSecond)

	// reverse path claims to finish before it started
	h.seq++
	t1 := h.ideal
	t2 := t1.Add(h.delay)
	t3 := t2.Add(ptime.OneMillisecond)
	t4 := t3.Sub(usec(200))
	h.ctrl.HandleSync(h.seq, t2, ptime.TimeZero)
	h.ctrl.HandleFollowUp(h.seq, t1)
	h.ctrl.HandleDelayReqSent(h.seq, t3)
	h.ctrl.HandleDelayResp(h.seq, t4, ptime.TimeZero)

	require.Equal(t, 0, h.ctrl.CacheLen())
	require.Equal(t, StateAcquiring, h.ctrl.State())
}

func TestControllerTimeoutFaultAndRecovery(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg, 1000000.0)
	h.ctrl.Start()
	for i := 0; i <= cfg.MinSamples; i++ {
		h.advance(ptime.OneSecond)
		h.exchange()
	}
	require.Equal(t, StateTracking, h.ctrl.State())
	require.Greater(t, h.ctrl.CacheLen(), 0)

	// silence past the measurement timeout faults the association and
	// flushes the cache
	h.advance(ptime.FromDuration(cfg.MeasurementTimeout).Add(ptime.OneSecond))
	require.Equal(t, StateFault, h.ctrl.State())
	require.Equal(t, 0, h.ctrl.CacheLen())

	// messages during fault backoff are discarded
	h.exchange()
	require.Equal(t, 0, h.ctrl.CacheLen())

	// after the backoff the controller re-acquires with a reset servo
	h.advance(ptime.FromDuration(cfg.FaultBackoff).Add(ptime.OneSecond))
	require.Equal(t, StateAcquiring, h.ctrl.State())

	for i := 0; i < cfg.MinSamples; i++ {
		h.advance(ptime.OneSecond)
		h.exchange()
	}
	require.Equal(t, StateTracking, h.ctrl.State())
}

func TestControllerStop(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg, 1000000.0)
	h.ctrl.Start()
	for i := 0; i <= cfg.MinSamples; i++ {
		h.advance(ptime.OneSecond)
		h.exchange()
	}
	require.Equal(t, StateTracking, h.ctrl.State())

	// teardown is immediate from any state
	h.ctrl.Stop()
	require.Equal(t, StateIdle, h.ctrl.State())
	require.Equal(t, 0, h.ctrl.CacheLen())

	// and restart goes through acquisition again
	h.ctrl.Start()
	require.Equal(t, StateAcquiring, h.ctrl.State())
}

func TestControllerStatsWiring(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg, 1000000.0)
	h.ctrl.SetStats(NewStats())
	h.ctrl.Start()
	for i := 0; i <= cfg.MinSamples; i++ {
		h.advance(ptime.OneSecond)
		h.exchange()
	}
	require.Equal(t, StateTracking, h.ctrl.State())
	require.NotNil(t, h.ctrl.stats.Handler())
	require.NotNil(t, h.ctrl.stats.CountersHandler())
	counters := h.ctrl.stats.Counters()
	require.Equal(t, int64(1), counters["transitions.ACQUIRING"])
	require.Equal(t, int64(1), counters["transitions.TRACKING"])
	require.Greater(t, h.ctrl.OffsetStats().Count(), uint64(0))
}
