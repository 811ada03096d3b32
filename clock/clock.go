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

// Package clock defines the adjustable oscillator contract shared by
// hardware clock adapters and the deterministic simulation used in tests.
package clock

import (
	"github.com/orbitns/timesync/ptime"
)

// Rate trim scaling. A trim is expressed in subnanoseconds of adjustment
// per second of elapsed time, so the fixed point matches ptime:
// one ppb of frequency offset is 65536 trim units.
const (
	RateOnePPB int64 = ptime.SubnsPerNsec
	RateOnePPM int64 = RateOnePPB * 1000
)

// Clock is one stateful adjustable oscillator. Implementations are not
// safe for concurrent mutation; exactly one controller drives a Clock
// at a time.
type Clock interface {
	// Now returns the current reading with no side effects.
	Now() ptime.Time
	// Adjust applies a coarse immediate step and returns the unapplied
	// residual. Hardware may only support quantized steps; callers must
	// fold a non-zero residual back into their own state rather than
	// drop it.
	Adjust(delta ptime.Time) ptime.Time
	// Set overwrites the clock.
	Set(t ptime.Time)
	// SetRate applies a continuous frequency trim in RateOnePPB units.
	SetRate(offset int64)
	// RatePPM reads back the applied trim in parts per million.
	RatePPM() float64
}
