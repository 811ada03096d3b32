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

// Package ptime implements the fixed-point timestamp used across the
// precision time sync stack. A Time represents either an absolute instant
// in the TAI epoch or a signed duration, at the finest resolution defined
// by IEEE 1588-2019: increments of 1/65536 of a nanosecond, referred to
// as a "subnanosecond" or "subns".
package ptime

import (
	"fmt"
	"math"
	"time"
)

// Commonly used scaling factors.
const (
	NsecPerSec   int64 = 1000000000
	NsecPerMsec  int64 = 1000000
	NsecPerUsec  int64 = 1000
	UsecPerSec   int64 = 1000000
	MsecPerSec   int64 = 1000
	SubnsPerNsec int64 = 65536
	SubnsPerUsec int64 = SubnsPerNsec * NsecPerUsec
	SubnsPerMsec int64 = SubnsPerNsec * NsecPerMsec
	SubnsPerSec  int64 = SubnsPerNsec * NsecPerSec
)

// Time is a high-precision timestamp or time-difference.
//
// The canonical internal form is a signed whole-seconds count plus a
// non-negative subnanosecond remainder in [0, SubnsPerSec). The sign is
// carried entirely by the seconds field, so -1 subns is represented as
// {secs: -1, subns: SubnsPerSec - 1}. All operations return normalized
// values. Time is immutable and safe to share freely.
type Time struct {
	secs  int64
	subns int64
}

// Common time constants.
var (
	TimeZero       = Time{}
	OneNanosecond  = FromSubns(SubnsPerNsec)
	OneMicrosecond = FromSubns(SubnsPerUsec)
	OneMillisecond = FromSubns(SubnsPerMsec)
	OneSecond      = FromSubns(SubnsPerSec)
	OneMinute      = FromSubns(SubnsPerSec * 60)
	OneHour        = FromSubns(SubnsPerSec * 3600)
	OneDay         = FromSubns(SubnsPerSec * 3600 * 24)
)

// floorDiv rounds the quotient towards negative infinity,
// unlike Go's native division which truncates towards zero.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// floorMod returns a remainder in [0, b) for positive b.
func floorMod(a, b int64) int64 {
	r := a % b
	if r != 0 && (r < 0) != (b < 0) {
		r += b
	}
	return r
}

// FromSubns creates a Time from a raw subnanosecond count. This matches
// the scaling of the PTP correctionField.
func FromSubns(subns int64) Time {
	return Time{
		secs:  floorDiv(subns, SubnsPerSec),
		subns: floorMod(subns, SubnsPerSec),
	}
}

// New creates a Time from the fields of an on-wire PTP timestamp:
// seconds, nanoseconds and the optional subnanosecond residual carried
// by the correctionField.
func New(seconds uint64, nanoseconds uint32, subnanoseconds uint16) Time {
	t := Time{secs: int64(seconds), subns: int64(nanoseconds)*SubnsPerNsec + int64(subnanoseconds)}
	t.normalize()
	return t
}

// FromNanoseconds creates a Time from a nanosecond count.
func FromNanoseconds(nsec int64) Time {
	return Time{
		secs:  floorDiv(nsec, NsecPerSec),
		subns: floorMod(nsec, NsecPerSec) * SubnsPerNsec,
	}
}

// FromDuration creates a Time from a Go duration.
func FromDuration(d time.Duration) Time {
	return FromNanoseconds(d.Nanoseconds())
}

// normalize reduces the value to canonical form: subns in [0, SubnsPerSec),
// sign carried by the seconds field.
func (t *Time) normalize() {
	if t.subns < 0 || t.subns >= SubnsPerSec {
		t.secs += floorDiv(t.subns, SubnsPerSec)
		t.subns = floorMod(t.subns, SubnsPerSec)
	}
}

// Seconds returns the "seconds" field without intermediate rounding.
func (t Time) Seconds() int64 {
	return t.secs
}

// Nanoseconds returns the "nanoseconds" field, rounding down.
// Combine with Correction to recover full precision.
func (t Time) Nanoseconds() uint32 {
	return uint32(t.subns / SubnsPerNsec)
}

// Subns returns the raw subnanosecond remainder,
// equal to 65536*Nanoseconds() + Correction().
func (t Time) Subns() uint64 {
	return uint64(t.subns)
}

// Correction returns the residual below one nanosecond, in subns units.
// This is the part of the value that goes to the PTP correctionField when
// the coarse fields are written with WriteWire.
func (t Time) Correction() uint64 {
	return uint64(t.subns % SubnsPerNsec)
}

// Round returns the value rounded to the nearest whole nanosecond.
// Read seconds and nanoseconds from the same rounded instant; rounding
// the fields independently loses the carry.
func (t Time) Round() Time {
	return t.Add(FromSubns(SubnsPerNsec / 2))
}

// RoundSeconds returns the "seconds" field after rounding to the nearest
// nanosecond.
func (t Time) RoundSeconds() int64 {
	return t.Round().Seconds()
}

// RoundNanoseconds returns the "nanoseconds" field after rounding to the
// nearest nanosecond.
func (t Time) RoundNanoseconds() uint32 {
	return t.Round().Nanoseconds()
}

// mulSat multiplies with saturation to the int64 range.
func mulSat(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/b != a {
		return 0, false
	}
	return p, true
}

// addSat adds with saturation to the int64 range.
func addSat(a, b int64) (int64, bool) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, false
	}
	return s, true
}

// deltaIn converts a time-difference into counts of the given unit,
// rounding the sub-second part to the nearest unit. Values beyond the
// int64 range saturate to math.MinInt64 or math.MaxInt64; they must be
// treated as out of range, never as valid deltas.
func (t Time) deltaIn(subnsPerUnit int64) int64 {
	unitsPerSec := SubnsPerSec / subnsPerUnit
	frac := (t.subns + subnsPerUnit/2) / subnsPerUnit
	whole, ok := mulSat(t.secs, unitsPerSec)
	if ok {
		if v, ok := addSat(whole, frac); ok {
			return v
		}
	}
	if t.secs < 0 {
		return math.MinInt64
	}
	return math.MaxInt64
}

// DeltaSubns converts a time-difference to subnanoseconds, saturating
// on overflow.
func (t Time) DeltaSubns() int64 {
	whole, ok := mulSat(t.secs, SubnsPerSec)
	if ok {
		if v, ok := addSat(whole, t.subns); ok {
			return v
		}
	}
	if t.secs < 0 {
		return math.MinInt64
	}
	return math.MaxInt64
}

// DeltaNanoseconds converts a time-difference to nanoseconds, saturating
// on overflow.
func (t Time) DeltaNanoseconds() int64 {
	return t.deltaIn(SubnsPerNsec)
}

// DeltaMicroseconds converts a time-difference to microseconds, saturating
// on overflow.
func (t Time) DeltaMicroseconds() int64 {
	return t.deltaIn(SubnsPerUsec)
}

// DeltaMilliseconds converts a time-difference to milliseconds, saturating
// on overflow.
func (t Time) DeltaMilliseconds() int64 {
	return t.deltaIn(SubnsPerMsec)
}

// Duration converts a time-difference to a Go duration, saturating at the
// bounds of the nanosecond int64 range.
func (t Time) Duration() time.Duration {
	return time.Duration(t.DeltaNanoseconds())
}

// Add returns t + other.
func (t Time) Add(other Time) Time {
	r := Time{secs: t.secs + other.secs, subns: t.subns + other.subns}
	r.normalize()
	return r
}

// Sub returns t - other.
func (t Time) Sub(other Time) Time {
	r := Time{secs: t.secs - other.secs, subns: t.subns - other.subns}
	r.normalize()
	return r
}

// Neg returns -t.
func (t Time) Neg() Time {
	r := Time{secs: -t.secs, subns: -t.subns}
	r.normalize()
	return r
}

// Abs returns the magnitude of a time-difference.
func (t Time) Abs() Time {
	if t.secs < 0 {
		return t.Neg()
	}
	return t
}

// IsNegative reports whether a time-difference is below zero.
func (t Time) IsNegative() bool {
	return t.secs < 0
}

// Mul scales the value by an integer factor. Mul and Div are intended for
// weighted averaging of a small number of samples; scale factors above
// ~10000 may overflow internally.
func (t Time) Mul(scale int64) Time {
	r := Time{secs: t.secs * scale, subns: t.subns * scale}
	r.normalize()
	return r
}

// Div divides the value by an integer factor, rounding towards negative
// infinity. See Mul for the scale factor contract.
func (t Time) Div(scale int64) Time {
	secs := floorDiv(t.secs, scale)
	rem := floorMod(t.secs, scale)
	return Time{secs: secs, subns: (rem*SubnsPerSec + t.subns) / scale}
}

// Compare returns -1 if t is before other, +1 if t is after other,
// and 0 when they are equal.
func (t Time) Compare(other Time) int {
	switch {
	case t.secs < other.secs:
		return -1
	case t.secs > other.secs:
		return 1
	case t.subns < other.subns:
		return -1
	case t.subns > other.subns:
		return 1
	}
	return 0
}

// Equal reports whether both normalized fields match exactly.
func (t Time) Equal(other Time) bool {
	return t == other
}

// Less reports whether t is strictly before other.
func (t Time) Less(other Time) bool {
	return t.Compare(other) < 0
}

// Greater reports whether t is strictly after other.
func (t Time) Greater(other Time) bool {
	return t.Compare(other) > 0
}

func (t Time) String() string {
	m := t.Abs().Round()
	if t.IsNegative() {
		return fmt.Sprintf("-%d.%09d", m.Seconds(), m.Nanoseconds())
	}
	return fmt.Sprintf("%d.%09d", m.Seconds(), m.Nanoseconds())
}
