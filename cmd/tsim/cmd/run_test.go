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

package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitns/timesync/track"
)

func TestRunSimulationConverges(t *testing.T) {
	sim := simParams{
		duration:  300 * time.Second,
		interval:  time.Second,
		driftPPM:  10.0,
		pathDelay: 50 * time.Microsecond,
		seed:      1,
	}
	res, err := runSimulation(track.DefaultConfig(), sim, nil)
	require.NoError(t, err)
	require.Equal(t, track.StateTracking, res.finalState)
	require.Equal(t, 300, res.rounds)
	require.Equal(t, 0, res.lost)
	// trim must cancel the oscillator error
	require.InDelta(t, -10.0, res.trimPPM, 0.05)
	require.Less(t, res.finalOffset.Abs().DeltaNanoseconds(), int64(5000))
	require.Less(t, res.settled.Mean(), 5000.0)
	require.Greater(t, res.settled.Mean(), -5000.0)
	require.Greater(t, res.fine, 0)
}

func TestRunSimulationStepsLargeOffset(t *testing.T) {
	sim := simParams{
		duration:      300 * time.Second,
		interval:      time.Second,
		driftPPM:      10.0,
		initialOffset: 30 * time.Second,
		pathDelay:     50 * time.Microsecond,
		seed:          1,
	}
	res, err := runSimulation(track.DefaultConfig(), sim, nil)
	require.NoError(t, err)
	require.Equal(t, track.StateTracking, res.finalState)
	// offset way beyond sanity must be stepped out, not slewed.
	// The initial Set counts as one coarse adjustment, the step is extra.
	require.Greater(t, res.coarse, 1)
	require.Less(t, res.finalOffset.Abs().DeltaNanoseconds(), int64(5000))
}

func TestRunSimulationRecoversFromDriftStep(t *testing.T) {
	sim := simParams{
		duration:     300 * time.Second,
		interval:     time.Second,
		driftPPM:     2.0,
		driftStepPPM: 7.0,
		driftStepAt:  100 * time.Second,
		pathDelay:    50 * time.Microsecond,
		seed:         1,
	}
	res, err := runSimulation(track.DefaultConfig(), sim, nil)
	require.NoError(t, err)
	require.Equal(t, track.StateTracking, res.finalState)
	// trim must settle on the post-step oscillator error
	require.InDelta(t, -7.0, res.trimPPM, 0.05)
	require.Less(t, res.finalOffset.Abs().DeltaNanoseconds(), int64(5000))
}

func TestRunSimulationWithLossAndJitter(t *testing.T) {
	sim := simParams{
		duration:  300 * time.Second,
		interval:  time.Second,
		driftPPM:  10.0,
		pathDelay: 50 * time.Microsecond,
		jitter:    5 * time.Microsecond,
		loss:      0.05,
		seed:      42,
	}
	res, err := runSimulation(track.DefaultConfig(), sim, nil)
	require.NoError(t, err)
	require.Equal(t, track.StateTracking, res.finalState)
	require.Greater(t, res.lost, 0)
	require.Less(t, res.settled.Mean(), 20000.0)
	require.Greater(t, res.settled.Mean(), -20000.0)
}

func TestRunSimulationBadParams(t *testing.T) {
	sim := simParams{duration: time.Minute}
	_, err := runSimulation(track.DefaultConfig(), sim, nil)
	require.Error(t, err)

	sim = simParams{duration: time.Minute, interval: time.Second, loss: 1.0}
	_, err = runSimulation(track.DefaultConfig(), sim, nil)
	require.Error(t, err)
}
