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

// Package track drives the two-way PTP exchange against a remote time
// reference: it assembles per-sequence timestamp exchanges, caches
// measurement results, and runs the tracking state machine that feeds
// the servo and corrects the local clock.
package track

import (
	"errors"

	"github.com/orbitns/timesync/ptime"
)

var errNotEnoughData = errors.New("not enough data")

// partial exchanges older than this many sequence numbers are pruned
const pruneHorizon = 64

// exchange is the raw data of one two-way exchange:
//
//	t1: departure of Sync from the reference
//	t2: arrival of Sync locally
//	t3: departure of DelayReq locally
//	t4: arrival of DelayReq at the reference
//
// c1 and c2 carry the accumulated correctionField of the forward and
// reverse paths.
type exchange struct {
	seq            uint16
	t1, t2, t3, t4 ptime.Time
	c1, c2         ptime.Time
	have           uint8
}

const (
	haveT1 = 1 << iota
	haveT2
	haveT3
	haveT4
	haveAll = haveT1 | haveT2 | haveT3 | haveT4
)

func (e *exchange) complete() bool {
	return e.have == haveAll
}

// offset returns the local-minus-remote clock offset,
// ((t2-t1) - (t4-t3)) / 2 with path corrections removed.
func (e *exchange) offset() ptime.Time {
	fwd := e.t2.Sub(e.t1).Sub(e.c1)
	rev := e.t4.Sub(e.t3).Sub(e.c2)
	return fwd.Sub(rev).Div(2)
}

// pathDelay returns the one-way delay estimate,
// ((t2-t1) + (t4-t3)) / 2 with path corrections removed.
func (e *exchange) pathDelay() ptime.Time {
	fwd := e.t2.Sub(e.t1).Sub(e.c1)
	rev := e.t4.Sub(e.t3).Sub(e.c2)
	return fwd.Add(rev).Div(2)
}

// Measurement is one completed exchange result.
type Measurement struct {
	// Offset is local minus remote at LocalTime.
	Offset ptime.Time
	// PathDelay is the one-way propagation estimate.
	PathDelay ptime.Time
	// LocalTime is the local receive time of the Sync (t2).
	LocalTime ptime.Time
	// RemoteTime is the reference transmit time of the Sync (t1).
	RemoteTime ptime.Time
}

// measurements assembles per-sequence timestamps into complete
// exchanges. Messages for the same sequence number may arrive in any
// order; an exchange is emitted exactly once, when its fourth
// timestamp lands.
type measurements struct {
	data map[uint16]*exchange
}

func newMeasurements() *measurements {
	return &measurements{data: map[uint16]*exchange{}}
}

func (m *measurements) get(seq uint16) *exchange {
	v, found := m.data[seq]
	if !found {
		v = &exchange{seq: seq}
		m.data[seq] = v
		m.prune(seq)
	}
	return v
}

// prune drops stale partial exchanges so lost messages can't grow the
// map without bound.
func (m *measurements) prune(latest uint16) {
	for seq := range m.data {
		if latest-seq > pruneHorizon {
			delete(m.data, seq)
		}
	}
}

// finish extracts the result once an exchange completes.
func (m *measurements) finish(e *exchange) (Measurement, bool) {
	if !e.complete() {
		return Measurement{}, false
	}
	delete(m.data, e.seq)
	return Measurement{
		Offset:     e.offset(),
		PathDelay:  e.pathDelay(),
		LocalTime:  e.t2,
		RemoteTime: e.t1,
	}, true
}

// addSync records the local arrival of a Sync message and its
// correctionField.
func (m *measurements) addSync(seq uint16, rx ptime.Time, correction ptime.Time) (Measurement, bool) {
	e := m.get(seq)
	e.t2 = rx
	e.c1 = correction
	e.have |= haveT2
	return m.finish(e)
}

// addFollowUp records the precise reference transmit time carried by a
// FollowUp. For one-step Sync the origin timestamp is passed here
// directly.
func (m *measurements) addFollowUp(seq uint16, t1 ptime.Time) (Measurement, bool) {
	e := m.get(seq)
	e.t1 = t1
	e.have |= haveT1
	return m.finish(e)
}

// addDelayReq records the local transmit time of a DelayReq.
func (m *measurements) addDelayReq(seq uint16, tx ptime.Time) (Measurement, bool) {
	e := m.get(seq)
	e.t3 = tx
	e.have |= haveT3
	return m.finish(e)
}

// addDelayResp records the reference receive time reported by a
// DelayResp and the correctionField of the reverse path.
func (m *measurements) addDelayResp(seq uint16, t4 ptime.Time, correction ptime.Time) (Measurement, bool) {
	e := m.get(seq)
	e.t4 = t4
	e.c2 = correction
	e.have |= haveT4
	return m.finish(e)
}

// clear drops all partial exchanges.
func (m *measurements) clear() {
	m.data = map[uint16]*exchange{}
}
