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

// Package servo implements the feedback filters that turn a stream of
// noisy clock offset measurements into a smooth frequency correction.
package servo

import (
	"github.com/orbitns/timesync/clock"
	"github.com/orbitns/timesync/ptime"
)

// Servo converts offset observations into a rate correction.
//
// Observe takes one measurement of local-minus-remote offset, taken
// interval after the previous observation, and returns the frequency
// trim to apply via Clock.SetRate, in clock.RateOnePPB units.
// Implementations keep accumulated state across calls; Reset clears it
// when tracking is re-acquired after a fault.
type Servo interface {
	Observe(offset ptime.Time, interval ptime.Time) int64
	Reset()
}

// clampTrim bounds a correction to the trim range the oscillator
// supports.
func clampTrim(trim float64, maxTrim int64) float64 {
	limit := float64(maxTrim)
	if trim > limit {
		return limit
	}
	if trim < -limit {
		return -limit
	}
	return trim
}

// DefaultMaxTrim bounds corrections to +/-500 ppm, a safe range for
// typical oscillator hardware.
const DefaultMaxTrim = 500 * clock.RateOnePPM
