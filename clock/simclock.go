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

package clock

import (
	"math"
	"math/bits"

	"github.com/eclesh/welford"

	"github.com/orbitns/timesync/ptime"
)

// Internal NCO resolution: 2^24 internal ticks per subnanosecond.
// Integrating at a finer resolution than the externally visible Time and
// carrying the remainder between calls keeps long-run simulated drift
// exact regardless of how the total duration is split across calls.
const (
	tickShift     = 24
	TicksPerSubns = int64(1) << tickShift
)

var ticksPerSec = float64(ptime.SubnsPerSec) * float64(TicksPerSubns)

// uint128 is an unsigned double-width accumulator. Tick counts and
// per-tick increments are each large enough that their product exceeds
// 64 bits over long simulated runs.
type uint128 struct {
	hi, lo uint64
}

func mul64(a, b uint64) uint128 {
	hi, lo := bits.Mul64(a, b)
	return uint128{hi: hi, lo: lo}
}

func (u uint128) add(v uint128) uint128 {
	lo, carry := bits.Add64(u.lo, v.lo, 0)
	hi, _ := bits.Add64(u.hi, v.hi, carry)
	return uint128{hi: hi, lo: lo}
}

// divmodShift divides by 2^shift, returning the low 64 bits of the
// quotient and the remainder.
func (u uint128) divmodShift(shift uint) (quot uint64, rem uint128) {
	quot = u.hi<<(64-shift) | u.lo>>shift
	rem = uint128{lo: u.lo & (1<<shift - 1)}
	return quot, rem
}

// SimulatedClock models a numerically-controlled oscillator with two
// independently configured frequencies: the nominal rate the clock is
// designed for, and the actual physical rate including manufacturing
// drift and temperature effects. It implements Clock and is advanced by
// explicit calls rather than host wall time, making servo tests fully
// deterministic.
type SimulatedClock struct {
	nominalHz float64
	actualHz  float64
	ncoRate   int64 // internal ticks added per oscillator cycle
	accum     uint128
	rate      int64
	rtc       ptime.Time

	countCoarse int
	countFine   int
	rateStats   *welford.Stats
}

// NewSimulatedClock creates a simulated oscillator. nominalHz is the
// design frequency, actualHz the true physical one.
func NewSimulatedClock(nominalHz, actualHz float64) *SimulatedClock {
	return &SimulatedClock{
		nominalHz: nominalHz,
		actualHz:  actualHz,
		ncoRate:   int64(math.Round(ticksPerSec / nominalHz)),
		rateStats: welford.New(),
	}
}

// SetActual changes the true oscillator frequency mid-run, modeling a
// temperature or aging induced rate step. Takes effect from the next
// Advance.
func (c *SimulatedClock) SetActual(actualHz float64) {
	c.actualHz = actualHz
}

// Now implements Clock.
func (c *SimulatedClock) Now() ptime.Time {
	return c.rtc
}

// Adjust implements Clock. The simulated oscillator applies the full
// step, so the residual is always zero.
func (c *SimulatedClock) Adjust(delta ptime.Time) ptime.Time {
	c.countCoarse++
	c.rtc = c.rtc.Add(delta)
	return ptime.TimeZero
}

// Set implements Clock.
func (c *SimulatedClock) Set(t ptime.Time) {
	c.countCoarse++
	c.rtc = t
}

// SetRate implements Clock.
func (c *SimulatedClock) SetRate(offset int64) {
	c.countFine++
	c.rate = offset
	c.rateStats.Add(float64(offset))
}

// RatePPM implements Clock.
func (c *SimulatedClock) RatePPM() float64 {
	return float64(c.rate) / float64(RateOnePPM)
}

// Advance moves simulated time forward by dt of ideal wall time.
//
// The oscillator ticks at the actual rate; each tick increments the
// internal counter by the nominal per-cycle amount plus the equivalent
// of the applied rate trim. The product accumulates in a double-width
// accumulator, whole subnanoseconds move to the clock reading and the
// remainder stays behind, so splitting a duration across many calls
// lands within one accumulator unit of a single big call.
func (c *SimulatedClock) Advance(dt ptime.Time) {
	dtSecs := float64(dt.DeltaSubns()) / float64(ptime.SubnsPerSec)
	numClocks := uint64(math.Round(dtSecs * c.actualHz))

	// trim is subns per second; per oscillator cycle that is
	// rate * TicksPerSubns / nominalHz internal ticks
	delta := int64(math.Round(float64(c.rate) * float64(TicksPerSubns) / c.nominalHz))

	c.accum = c.accum.add(mul64(numClocks, uint64(c.ncoRate+delta)))
	quot, rem := c.accum.divmodShift(tickShift)
	c.rtc = c.rtc.Add(ptime.FromSubns(int64(quot)))
	c.accum = rem
}

// CoarseAdjustments returns how many times Set or Adjust was called.
func (c *SimulatedClock) CoarseAdjustments() int {
	return c.countCoarse
}

// FineAdjustments returns how many times SetRate was called.
func (c *SimulatedClock) FineAdjustments() int {
	return c.countFine
}

// RateStats returns running statistics over all applied trims, for
// convergence and settling assertions.
func (c *SimulatedClock) RateStats() *welford.Stats {
	return c.rateStats
}
