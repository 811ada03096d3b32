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
	"github.com/orbitns/timesync/ptime"
)

// Timekeeper is the handle through which timer sources request a pass
// over registered periodic work. It is passed explicitly to whoever
// needs it instead of living as process-wide mutable state, so each test
// can own an isolated instance. Scheduling is cooperative and
// single-threaded: RequestPoll runs every registered task synchronously
// before returning.
type Timekeeper struct {
	tasks []func()
}

// NewTimekeeper creates an empty scheduler handle.
func NewTimekeeper() *Timekeeper {
	return &Timekeeper{}
}

// Register adds a periodic task. Tasks run in registration order on
// every poll request and cannot be removed individually.
func (k *Timekeeper) Register(task func()) {
	k.tasks = append(k.tasks, task)
}

// RequestPoll runs all registered periodic work once.
func (k *Timekeeper) RequestPoll() {
	for _, task := range k.tasks {
		task()
	}
}

// SimulatedTimer stands in for the hardware timer interrupt that drives
// periodic protocol actions in production. Tests advance it by explicit
// durations; each advance bumps the microsecond tick register and
// signals the Timekeeper.
type SimulatedTimer struct {
	usec int64
	keep *Timekeeper
}

// NewSimulatedTimer creates a timer bound to the given scheduler handle.
func NewSimulatedTimer(keeper *Timekeeper) *SimulatedTimer {
	return &SimulatedTimer{keep: keeper}
}

// Advance adds dt to the tick register and triggers pending periodic work.
func (t *SimulatedTimer) Advance(dt ptime.Time) {
	t.usec += dt.DeltaMicroseconds()
	t.keep.RequestPoll()
}

// Microseconds returns the tick register value.
func (t *SimulatedTimer) Microseconds() int64 {
	return t.usec
}
