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
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Stats collects tracking counters and gauges on a private Prometheus
// registry. All methods are nil-safe so the controller can run without
// observability wired up.
type Stats struct {
	registry *prometheus.Registry
	counters map[string]int64

	transitions *prometheus.CounterVec
	rejected    prometheus.Counter
	steps       prometheus.Counter
	offsetNs    prometheus.Gauge
	pathDelayNs prometheus.Gauge
	ratePPM     prometheus.Gauge
}

// NewStats creates a Stats with all collectors registered.
func NewStats() *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),
		counters: map[string]int64{},
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timesync_state_transitions_total",
			Help: "Tracking state machine transitions by target state",
		}, []string{"state"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timesync_measurements_rejected_total",
			Help: "Measurements rejected by sanity checks",
		}),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timesync_clock_steps_total",
			Help: "Coarse clock step corrections applied",
		}),
		offsetNs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timesync_offset_ns",
			Help: "Last estimated clock offset in nanoseconds",
		}),
		pathDelayNs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timesync_path_delay_ns",
			Help: "Last estimated path delay in nanoseconds",
		}),
		ratePPM: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timesync_rate_ppm",
			Help: "Last applied frequency trim in parts per million",
		}),
	}
	s.registry.MustRegister(s.transitions, s.rejected, s.steps, s.offsetNs, s.pathDelayNs, s.ratePPM)
	return s
}

// Handler returns an HTTP handler serving the metrics in Prometheus
// exposition format.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Counters returns a snapshot of the plain integer counters. Gauges are
// reported as their last set value.
func (s *Stats) Counters() map[string]int64 {
	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

// CountersHandler returns an HTTP handler serving Counters as JSON.
func (s *Stats) CountersHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		js, err := json.Marshal(s.Counters())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err = w.Write(js); err != nil {
			log.Errorf("Failed to reply: %v", err)
		}
	})
}

func (s *Stats) transition(to State) {
	if s == nil {
		return
	}
	s.transitions.WithLabelValues(to.String()).Inc()
	s.counters["transitions."+to.String()]++
}

func (s *Stats) reject() {
	if s == nil {
		return
	}
	s.rejected.Inc()
	s.counters["measurements.rejected"]++
}

func (s *Stats) step() {
	if s == nil {
		return
	}
	s.steps.Inc()
	s.counters["clock.steps"]++
}

func (s *Stats) observe(offsetNs, pathDelayNs int64, ratePPM float64) {
	if s == nil {
		return
	}
	s.offsetNs.Set(float64(offsetNs))
	s.pathDelayNs.Set(float64(pathDelayNs))
	s.ratePPM.Set(ratePPM)
	s.counters["offset.ns"] = offsetNs
	s.counters["path_delay.ns"] = pathDelayNs
}
