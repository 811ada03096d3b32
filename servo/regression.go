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
	"container/ring"

	log "github.com/sirupsen/logrus"

	"github.com/orbitns/timesync/ptime"
)

// RegressionConfig holds sliding-window regression servo tuning.
type RegressionConfig struct {
	// WindowSize is how many samples the trend fit covers.
	WindowSize int `yaml:"window_size"`
	// SlopeGain scales how much of the fitted residual slope is folded
	// into the trim per observation.
	SlopeGain float64 `yaml:"slope_gain"`
	// OffsetGain scales the pull that drains the mean residual offset.
	OffsetGain float64 `yaml:"offset_gain"`
	// MaxTrim bounds the output correction, in clock.RateOnePPB units.
	MaxTrim int64 `yaml:"max_trim"`
}

// DefaultRegressionConfig returns the stock regression tuning.
func DefaultRegressionConfig() RegressionConfig {
	return RegressionConfig{
		WindowSize: 8,
		SlopeGain:  0.3,
		OffsetGain: 0.1,
		MaxTrim:    DefaultMaxTrim,
	}
}

type regSample struct {
	at     float64 // seconds since reset
	offset float64 // subnanoseconds
}

// RegressionServo fits a local linear trend over the last N offset
// samples and corrects by the fitted slope. Less sensitive to
// single-sample noise than the PI servo at the cost of slower response
// to genuine rate steps.
type RegressionServo struct {
	cfg     RegressionConfig
	samples *ring.Ring
	count   int
	elapsed float64
	trim    float64
}

// NewRegressionServo creates a regression servo with the given tuning.
func NewRegressionServo(cfg RegressionConfig) *RegressionServo {
	if cfg.WindowSize < 2 {
		cfg.WindowSize = 2
	}
	return &RegressionServo{
		cfg:     cfg,
		samples: ring.New(cfg.WindowSize),
	}
}

// Observe implements Servo.
func (s *RegressionServo) Observe(offset ptime.Time, interval ptime.Time) int64 {
	intervalSecs := float64(interval.DeltaSubns()) / float64(ptime.SubnsPerSec)
	if intervalSecs <= 0 {
		log.Warningf("regression servo: non-positive observation interval %v, skipping sample", interval)
		return int64(s.trim)
	}
	s.elapsed += intervalSecs
	s.samples.Value = regSample{at: s.elapsed, offset: float64(offset.DeltaSubns())}
	s.samples = s.samples.Next()
	if s.count < s.cfg.WindowSize {
		s.count++
	}
	if s.count < 2 {
		// not enough history for a trend yet
		return int64(s.trim)
	}

	slope, meanOffset, span := s.fit()
	s.trim -= s.cfg.SlopeGain * slope
	s.trim -= s.cfg.OffsetGain * meanOffset / span
	s.trim = clampTrim(s.trim, s.cfg.MaxTrim)
	return int64(s.trim)
}

// fit runs a least-squares line through the window and returns the
// slope in subns per second, the mean offset and the time span covered.
func (s *RegressionServo) fit() (slope, meanOffset, span float64) {
	var sumT, sumO float64
	n := 0
	tMin, tMax := 0.0, 0.0
	s.samples.Do(func(val any) {
		v, ok := val.(regSample)
		if !ok {
			return
		}
		sumT += v.at
		sumO += v.offset
		if n == 0 || v.at < tMin {
			tMin = v.at
		}
		if n == 0 || v.at > tMax {
			tMax = v.at
		}
		n++
	})
	meanT := sumT / float64(n)
	meanOffset = sumO / float64(n)

	var cov, variance float64
	s.samples.Do(func(val any) {
		v, ok := val.(regSample)
		if !ok {
			return
		}
		dt := v.at - meanT
		cov += dt * (v.offset - meanOffset)
		variance += dt * dt
	})
	return cov / variance, meanOffset, tMax - tMin
}

// Reset implements Servo, discarding the sample window and the
// accumulated trim.
func (s *RegressionServo) Reset() {
	s.samples = ring.New(s.cfg.WindowSize)
	s.count = 0
	s.elapsed = 0
	s.trim = 0
}
