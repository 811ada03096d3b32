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
	"container/ring"
	"errors"
	"sort"

	"github.com/orbitns/timesync/ptime"
)

// Supported path delay filters.
const (
	FilterNone   = ""
	FilterMean   = "mean"
	FilterMedian = "median"
)

var (
	errNegativeDelay     = errors.New("measurement implies negative path delay")
	errDelayBelowDiscard = errors.New("path delay below discard threshold")
)

// Entry is one cached two-way exchange result.
type Entry struct {
	Local     ptime.Time
	Remote    ptime.Time
	PathDelay ptime.Time
}

// Cache is a bounded store of recent exchange results. Insertion order
// is meaningful: the ring holds the last N entries, oldest evicted
// first, and estimates are derived over that window.
type Cache struct {
	entries      *ring.Ring
	size         int
	count        int
	filter       string
	discardBelow ptime.Time
}

// NewCache creates a cache of the given capacity using the given path
// delay filter (FilterNone keeps the most recent sample).
func NewCache(size int, filter string) *Cache {
	if size < 1 {
		size = 1
	}
	return &Cache{
		entries: ring.New(size),
		size:    size,
		filter:  filter,
	}
}

// SetDiscardBelow rejects future samples whose path delay is below d.
// Exchanges faster than the physically possible propagation time are
// corrupt timestamps, not lucky packets.
func (c *Cache) SetDiscardBelow(d ptime.Time) {
	c.discardBelow = d
}

// Insert appends an exchange result, evicting the oldest entry when
// full. Samples implying a negative or implausibly small path delay
// are rejected rather than cached.
func (c *Cache) Insert(local, remote, pathDelay ptime.Time) error {
	if pathDelay.IsNegative() {
		return errNegativeDelay
	}
	if pathDelay.Less(c.discardBelow) {
		return errDelayBelowDiscard
	}
	c.entries.Value = Entry{Local: local, Remote: remote, PathDelay: pathDelay}
	c.entries = c.entries.Next()
	if c.count < c.size {
		c.count++
	}
	return nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.count
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.entries = ring.New(c.size)
	c.count = 0
}

// Latest returns the most recent entry.
func (c *Cache) Latest() (Entry, bool) {
	if c.count == 0 {
		return Entry{}, false
	}
	return c.entries.Prev().Value.(Entry), true
}

// delays collects cached path delays in subns, oldest first.
func (c *Cache) delays() []int64 {
	out := make([]int64, 0, c.count)
	c.entries.Do(func(val any) {
		if val == nil {
			return
		}
		out = append(out, val.(Entry).PathDelay.DeltaSubns())
	})
	return out
}

// PathDelayEstimate returns the filtered one-way delay over the window.
func (c *Cache) PathDelayEstimate() (ptime.Time, error) {
	latest, ok := c.Latest()
	if !ok {
		return ptime.Time{}, errNotEnoughData
	}
	switch c.filter {
	case FilterMean:
		var sum int64
		samples := c.delays()
		for _, d := range samples {
			sum += d
		}
		return ptime.FromSubns(sum / int64(len(samples))), nil
	case FilterMedian:
		samples := c.delays()
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		l := len(samples)
		if l%2 == 0 {
			return ptime.FromSubns((samples[l/2-1] + samples[l/2]) / 2), nil
		}
		return ptime.FromSubns(samples[l/2]), nil
	default:
		return latest.PathDelay, nil
	}
}

// OffsetEstimate returns the local-minus-remote offset derived from the
// most recent entry and the filtered path delay:
// (local - remote) - path delay.
func (c *Cache) OffsetEstimate() (ptime.Time, error) {
	latest, ok := c.Latest()
	if !ok {
		return ptime.Time{}, errNotEnoughData
	}
	delay, err := c.PathDelayEstimate()
	if err != nil {
		return ptime.Time{}, err
	}
	return latest.Local.Sub(latest.Remote).Sub(delay), nil
}
