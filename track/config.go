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
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/orbitns/timesync/servo"
)

// Servo selection for configs and the simulation harness.
const (
	ServoPi         = "pi"
	ServoRegression = "linreg"
)

// Config specifies tracking controller behavior. Tuning constants are
// configuration, not part of the algorithmic contract. Duration fields
// are nanoseconds in YAML.
type Config struct {
	// MinSamples is how many consistent measurements Acquiring collects
	// before corrections start.
	MinSamples int `yaml:"min_samples"`
	// OffsetSanity bounds plausible offsets while Tracking; a larger
	// measurement more likely indicates message loss or reordering
	// than true drift.
	OffsetSanity time.Duration `yaml:"offset_sanity"`
	// MeasurementTimeout without a valid exchange moves Tracking to
	// Fault.
	MeasurementTimeout time.Duration `yaml:"measurement_timeout"`
	// FaultBackoff is how long Fault waits before re-acquiring.
	FaultBackoff time.Duration `yaml:"fault_backoff"`
	// CacheSize is the measurement ring capacity.
	CacheSize int `yaml:"cache_size"`
	// PathDelayFilter is one of the supported path delay filters.
	PathDelayFilter string `yaml:"path_delay_filter"`
	// PathDelayDiscardBelow rejects exchanges whose path delay is below
	// the physically possible propagation time. Zero disables the check
	// (negative delays are always rejected).
	PathDelayDiscardBelow time.Duration `yaml:"path_delay_discard_below"`

	Servo      string                 `yaml:"servo"`
	Pi         servo.PiConfig         `yaml:"pi"`
	Regression servo.RegressionConfig `yaml:"regression"`
}

// DefaultConfig returns the stock controller tuning.
func DefaultConfig() Config {
	return Config{
		MinSamples:         5,
		OffsetSanity:       time.Second,
		MeasurementTimeout: 5 * time.Second,
		FaultBackoff:       10 * time.Second,
		CacheSize:          16,
		PathDelayFilter:    FilterMean,
		Servo:              ServoPi,
		Pi:                 servo.DefaultPiConfig(),
		Regression:         servo.DefaultRegressionConfig(),
	}
}

// Validate checks config invariants.
func (c *Config) Validate() error {
	if c.MinSamples < 1 {
		return fmt.Errorf("min_samples must be at least 1, got %d", c.MinSamples)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("cache_size must be at least 1, got %d", c.CacheSize)
	}
	if c.OffsetSanity <= 0 {
		return fmt.Errorf("offset_sanity must be positive, got %v", c.OffsetSanity)
	}
	if c.MeasurementTimeout <= 0 {
		return fmt.Errorf("measurement_timeout must be positive, got %v", c.MeasurementTimeout)
	}
	if c.FaultBackoff <= 0 {
		return fmt.Errorf("fault_backoff must be positive, got %v", c.FaultBackoff)
	}
	switch c.PathDelayFilter {
	case FilterNone, FilterMean, FilterMedian:
	default:
		return fmt.Errorf("unsupported path delay filter %q", c.PathDelayFilter)
	}
	if c.PathDelayDiscardBelow < 0 {
		return fmt.Errorf("path_delay_discard_below must not be negative, got %v", c.PathDelayDiscardBelow)
	}
	switch c.Servo {
	case ServoPi, ServoRegression:
	default:
		return fmt.Errorf("unsupported servo %q", c.Servo)
	}
	return nil
}

// NewServo creates the servo variant the config selects.
func (c *Config) NewServo() servo.Servo {
	if c.Servo == ServoRegression {
		return servo.NewRegressionServo(c.Regression)
	}
	return servo.NewPiServo(c.Pi)
}

// ReadConfig reads config from a YAML file, applying defaults for
// unset fields.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
