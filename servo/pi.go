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
	log "github.com/sirupsen/logrus"

	"github.com/orbitns/timesync/ptime"
)

// PiConfig holds proportional-integral servo tuning. Gains are
// dimensionless; at a 1s observation interval a gain of 1.0 corrects
// the full observed offset within one interval. NormMax values bound
// the effective gains when the interval grows, matching the usual PTP
// servo scaling.
type PiConfig struct {
	Kp        float64 `yaml:"kp"`
	Ki        float64 `yaml:"ki"`
	KpNormMax float64 `yaml:"kp_norm_max"`
	KiNormMax float64 `yaml:"ki_norm_max"`
	// MaxTrim bounds the output correction, in clock.RateOnePPB units.
	MaxTrim int64 `yaml:"max_trim"`
	// WindupLimit bounds the accumulated integral term so a sustained
	// measurement fault cannot drive the correction arbitrarily far
	// from safe operating range.
	WindupLimit int64 `yaml:"windup_limit"`
}

// DefaultPiConfig returns the stock PI tuning.
func DefaultPiConfig() PiConfig {
	return PiConfig{
		Kp:          0.7,
		Ki:          0.3,
		KpNormMax:   1.0,
		KiNormMax:   2.0,
		MaxTrim:     DefaultMaxTrim,
		WindupLimit: DefaultMaxTrim,
	}
}

// PiServo is a proportional-integral controller. The integral term
// absorbs the oscillator's static frequency error while the
// proportional term drains the residual offset.
type PiServo struct {
	cfg      PiConfig
	integral float64
}

// NewPiServo creates a PI servo with the given tuning.
func NewPiServo(cfg PiConfig) *PiServo {
	return &PiServo{cfg: cfg}
}

// Observe implements Servo.
func (s *PiServo) Observe(offset ptime.Time, interval ptime.Time) int64 {
	intervalSecs := float64(interval.DeltaSubns()) / float64(ptime.SubnsPerSec)
	if intervalSecs <= 0 {
		log.Warningf("pi servo: non-positive observation interval %v, skipping sample", interval)
		return int64(clampTrim(s.integral, s.cfg.MaxTrim))
	}

	kp := s.cfg.Kp
	if kp > s.cfg.KpNormMax/intervalSecs {
		kp = s.cfg.KpNormMax / intervalSecs
	}
	ki := s.cfg.Ki
	if ki > s.cfg.KiNormMax/intervalSecs {
		ki = s.cfg.KiNormMax / intervalSecs
	}

	// the servo drives the error to zero, so correct against the offset
	errSubns := -float64(offset.DeltaSubns())

	kiTerm := ki * errSubns
	out := kp*errSubns + s.integral + kiTerm
	if out > float64(s.cfg.MaxTrim) || out < -float64(s.cfg.MaxTrim) {
		// anti-windup: saturated output stops integral accumulation
		out = clampTrim(out, s.cfg.MaxTrim)
	} else {
		s.integral += kiTerm
	}
	s.integral = clampTrim(s.integral, s.cfg.WindupLimit)
	return int64(out)
}

// Reset implements Servo, discarding the accumulated error.
func (s *PiServo) Reset() {
	s.integral = 0
}
