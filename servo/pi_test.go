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

package servo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orbitns/timesync/clock"
	"github.com/orbitns/timesync/ptime"
)

// clockWithPPMError returns a simulated clock whose oscillator runs
// one ppm fast.
func clockWithPPMError(t *testing.T) *clock.SimulatedClock {
	t.Helper()
	return clock.NewSimulatedClock(1000000.0, 1000001.0)
}

// runLoop drives a simulated clock against ideal time through the servo
// and returns the offset after every iteration.
func runLoop(s Servo, c *clock.SimulatedClock, iterations int) []ptime.Time {
	interval := ptime.OneSecond
	ideal := ptime.TimeZero
	offsets := make([]ptime.Time, 0, iterations)
	for i := 0; i < iterations; i++ {
		c.Advance(interval)
		ideal = ideal.Add(interval)
		offset := c.Now().Sub(ideal)
		c.SetRate(s.Observe(offset, interval))
		offsets = append(offsets, offset)
	}
	return offsets
}

func TestPiServoConvergence(t *testing.T) {
	s := NewPiServo(DefaultPiConfig())
	c := clockWithPPMError(t)

	offsets := runLoop(s, c, 120)

	// converged, not merely decreased once: the tail stays near zero
	for _, o := range offsets[len(offsets)-10:] {
		require.LessOrEqual(t, o.Abs().DeltaSubns(), int64(1000), "offset %v should stay settled", o)
	}
	// the trim absorbed the full +1ppm oscillator error
	require.InDelta(t, -1.0, c.RatePPM(), 0.01)
}

func TestPiServoConstantOffsetDrivesCorrection(t *testing.T) {
	s := NewPiServo(DefaultPiConfig())

	// constant positive offset keeps growing the integral term, so the
	// correction keeps pushing further negative until the windup limit
	var prev int64
	for i := 0; i < 10; i++ {
		out := s.Observe(ptime.FromNanoseconds(1000), ptime.OneSecond)
		require.Less(t, out, prev)
		prev = out
	}
}

func TestPiServoAntiWindup(t *testing.T) {
	cfg := DefaultPiConfig()
	cfg.MaxTrim = 100 * clock.RateOnePPM
	cfg.WindupLimit = 100 * clock.RateOnePPM
	s := NewPiServo(cfg)

	// a sustained fault the size of a full second saturates the output...
	var out int64
	for i := 0; i < 50; i++ {
		out = s.Observe(ptime.OneSecond, ptime.OneSecond)
		require.GreaterOrEqual(t, out, -cfg.MaxTrim)
		require.LessOrEqual(t, out, cfg.MaxTrim)
	}
	require.Equal(t, -cfg.MaxTrim, out)

	// ...and the integral stays bounded, so recovery is immediate once
	// the fault clears
	out = s.Observe(ptime.TimeZero, ptime.OneSecond)
	require.GreaterOrEqual(t, out, -cfg.WindupLimit)
}

func TestPiServoReset(t *testing.T) {
	s := NewPiServo(DefaultPiConfig())
	for i := 0; i < 5; i++ {
		s.Observe(ptime.FromNanoseconds(500), ptime.OneSecond)
	}
	s.Reset()
	require.Equal(t, int64(0), s.Observe(ptime.TimeZero, ptime.OneSecond))
}

func TestPiServoBadInterval(t *testing.T) {
	s := NewPiServo(DefaultPiConfig())
	out := s.Observe(ptime.FromNanoseconds(100), ptime.TimeZero)
	require.Equal(t, int64(0), out)
	out = s.Observe(ptime.FromNanoseconds(100), ptime.FromNanoseconds(-1))
	require.Equal(t, int64(0), out)
}

func TestPiServoGainNormalization(t *testing.T) {
	cfg := DefaultPiConfig()
	cfg.Kp = 10.0
	cfg.Ki = 10.0
	s := NewPiServo(cfg)

	// with gains clamped to NormMax/interval the first correction for
	// offset o is bounded by (KpNormMax+2*KiNormMax)*o
	out := s.Observe(ptime.FromNanoseconds(1000), ptime.OneSecond)
	bound := int64(float64(ptime.FromNanoseconds(1000).DeltaSubns()) * (cfg.KpNormMax + 2*cfg.KiNormMax))
	require.Negative(t, out)
	require.GreaterOrEqual(t, out, -bound)
}
