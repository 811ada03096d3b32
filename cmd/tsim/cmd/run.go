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
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/eclesh/welford"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orbitns/timesync/clock"
	"github.com/orbitns/timesync/ptime"
	"github.com/orbitns/timesync/track"
)

// flags
var (
	runConfigFlag         string
	runDurationFlag       time.Duration
	runIntervalFlag       time.Duration
	runDriftPPMFlag       float64
	runDriftStepPPMFlag   float64
	runDriftStepAtFlag    time.Duration
	runDriftRampPPMFlag   float64
	runInitialOffsetFlag  time.Duration
	runPathDelayFlag      time.Duration
	runJitterFlag         time.Duration
	runLossFlag           float64
	runSeedFlag           int64
	runMonitoringPortFlag int
)

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runConfigFlag, "config", "c", "", "path to tracking config (yaml), empty means defaults")
	runCmd.Flags().DurationVarP(&runDurationFlag, "duration", "d", 2*time.Minute, "simulated time to run for")
	runCmd.Flags().DurationVarP(&runIntervalFlag, "interval", "i", time.Second, "interval between sync exchanges")
	runCmd.Flags().Float64Var(&runDriftPPMFlag, "drift", 10.0, "local oscillator frequency error, PPM")
	runCmd.Flags().Float64Var(&runDriftStepPPMFlag, "drift-step", 0, "oscillator frequency error after the step, PPM")
	runCmd.Flags().DurationVar(&runDriftStepAtFlag, "drift-step-at", 0, "when to step the oscillator frequency, 0 disables the step")
	runCmd.Flags().Float64Var(&runDriftRampPPMFlag, "drift-ramp", 0, "oscillator frequency drift rate, PPM per minute")
	runCmd.Flags().DurationVar(&runInitialOffsetFlag, "offset", 5*time.Millisecond, "initial offset of the local clock")
	runCmd.Flags().DurationVar(&runPathDelayFlag, "path-delay", 50*time.Microsecond, "one-way network delay")
	runCmd.Flags().DurationVar(&runJitterFlag, "jitter", 0, "stddev of extra one-way delay, 0 disables jitter")
	runCmd.Flags().Float64Var(&runLossFlag, "loss", 0, "probability of losing a message, [0.0, 1.0)")
	runCmd.Flags().Int64Var(&runSeedFlag, "seed", 1, "seed for the jitter/loss RNG")
	runCmd.Flags().IntVar(&runMonitoringPortFlag, "monitoringport", 0, "port to serve /metrics on after the run, 0 disables it")
}

// nominalHz is the simulated oscillator nominal frequency. 1MHz keeps
// per-interval cycle counts integral for whole-PPM drift values.
const nominalHz = 1000000.0

// turnaround is the simulated delay between receiving sync and sending delay request.
const turnaround = 100 * time.Microsecond

type simParams struct {
	duration      time.Duration
	interval      time.Duration
	driftPPM      float64
	driftStepPPM  float64
	driftStepAt   time.Duration
	driftRampPPM  float64 // PPM per minute
	initialOffset time.Duration
	pathDelay     time.Duration
	jitter        time.Duration
	loss          float64
	seed          int64
}

type simResult struct {
	rounds      int
	lost        int
	finalState  track.State
	finalOffset ptime.Time
	trimPPM     float64
	coarse      int
	fine        int
	// offset error over the last quarter of the run, in nanoseconds
	settled *welford.Stats
}

// driftAt evaluates the configured oscillator error profile at a point
// into the run: a constant error, optionally stepped once, optionally
// ramping linearly with simulated time.
func (sim simParams) driftAt(elapsed time.Duration) float64 {
	d := sim.driftPPM
	if sim.driftStepAt > 0 && elapsed >= sim.driftStepAt {
		d = sim.driftStepPPM
	}
	return d + sim.driftRampPPM*elapsed.Minutes()
}

func oneWayDelay(rng *rand.Rand, base, jitter time.Duration) ptime.Time {
	d := base
	if jitter > 0 {
		d += time.Duration(math.Abs(rng.NormFloat64()) * float64(jitter))
	}
	return ptime.FromDuration(d)
}

// runSimulation drives a TrackingController against a simulated oscillator:
// messages are synthesized from the true time, the controller only ever sees
// timestamps, and we check how close it pulls the local clock to truth.
func runSimulation(cfg track.Config, sim simParams, stats *track.Stats) (*simResult, error) {
	if sim.interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", sim.interval)
	}
	if sim.loss < 0 || sim.loss >= 1 {
		return nil, fmt.Errorf("loss must be in [0.0, 1.0), got %v", sim.loss)
	}
	clk := clock.NewSimulatedClock(nominalHz, nominalHz*(1.0+sim.driftPPM*1e-6))
	clk.Set(ptime.FromDuration(sim.initialOffset))
	ctrl, err := track.NewController(cfg, clk, cfg.NewServo())
	if err != nil {
		return nil, err
	}
	if stats != nil {
		ctrl.SetStats(stats)
	}
	keeper := clock.NewTimekeeper()
	ctrl.RegisterWith(keeper)
	timer := clock.NewSimulatedTimer(keeper)
	ctrl.Start()

	rng := rand.New(rand.NewSource(sim.seed))
	interval := ptime.FromDuration(sim.interval)
	rounds := int(sim.duration / sim.interval)
	settleAfter := rounds * 3 / 4
	res := &simResult{rounds: rounds, settled: welford.New()}
	varyingDrift := sim.driftStepAt > 0 || sim.driftRampPPM != 0
	ideal := ptime.TimeZero
	var seq uint16
	for i := 0; i < rounds; i++ {
		if varyingDrift {
			clk.SetActual(nominalHz * (1.0 + sim.driftAt(time.Duration(i)*sim.interval)*1e-6))
		}
		clk.Advance(interval)
		ideal = ideal.Add(interval)
		timer.Advance(interval)

		seq++
		offErr := clk.Now().Sub(ideal)
		t1 := ideal
		t2 := t1.Add(oneWayDelay(rng, sim.pathDelay, sim.jitter)).Add(offErr)
		t3 := t2.Add(ptime.FromDuration(turnaround))
		t4 := t3.Sub(offErr).Add(oneWayDelay(rng, sim.pathDelay, sim.jitter))

		if rng.Float64() < sim.loss {
			log.Debugf("round %d: sync %d lost", i, seq)
			res.lost++
		} else {
			ctrl.HandleSync(seq, t2, ptime.TimeZero)
			ctrl.HandleFollowUp(seq, t1)
		}
		ctrl.HandleDelayReqSent(seq, t3)
		if rng.Float64() < sim.loss {
			log.Debugf("round %d: delay response %d lost", i, seq)
			res.lost++
		} else {
			ctrl.HandleDelayResp(seq, t4, ptime.TimeZero)
		}

		if i >= settleAfter {
			res.settled.Add(float64(clk.Now().Sub(ideal).DeltaNanoseconds()))
		}
		log.Debugf("round %d: state=%s offset=%s trim=%.3fppm", i, ctrl.State(), clk.Now().Sub(ideal), clk.RatePPM())
	}
	res.finalState = ctrl.State()
	res.finalOffset = clk.Now().Sub(ideal)
	res.trimPPM = clk.RatePPM()
	res.coarse = clk.CoarseAdjustments()
	res.fine = clk.FineAdjustments()
	return res, nil
}

func printSummary(sim simParams, res *simResult, counters map[string]int64) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"metric", "value"})
	table.Append([]string{"rounds", fmt.Sprintf("%d", res.rounds)})
	table.Append([]string{"messages lost", fmt.Sprintf("%d", res.lost)})
	table.Append([]string{"final state", res.finalState.String()})
	table.Append([]string{"oscillator error", fmt.Sprintf("%.3f ppm", sim.driftPPM)})
	table.Append([]string{"applied trim", fmt.Sprintf("%.3f ppm", res.trimPPM)})
	table.Append([]string{"residual offset", res.finalOffset.String()})
	table.Append([]string{"coarse steps", fmt.Sprintf("%d", res.coarse)})
	table.Append([]string{"fine adjustments", fmt.Sprintf("%d", res.fine)})
	table.Append([]string{"settled offset mean", fmt.Sprintf("%.1f ns", res.settled.Mean())})
	table.Append([]string{"settled offset stddev", fmt.Sprintf("%.1f ns", res.settled.Stddev())})
	keys := make([]string, 0, len(counters))
	for k := range counters {
		if strings.HasPrefix(k, "transitions.") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		table.Append([]string{k, fmt.Sprintf("%d", counters[k])})
	}
	table.Render()
}

func verdict(res *simResult) error {
	if res.finalState != track.StateTracking {
		fmt.Printf("%s finished in state %s\n", color.RedString("[FAIL]"), res.finalState)
		return fmt.Errorf("tracking never locked")
	}
	fmt.Printf("%s locked, residual offset %s\n", color.GreenString("[ OK ]"), color.BlueString("%s", res.finalOffset))
	return nil
}

func serveMetrics(ctx context.Context, port int, stats *track.Stats) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", stats.Handler())
	mux.Handle("/counters", stats.CountersHandler())
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})
	eg.Go(func() error {
		log.Infof("serving metrics on :%d/metrics, interrupt to exit", port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return eg.Wait()
}

func doRun() error {
	cfg := track.DefaultConfig()
	if runConfigFlag != "" {
		read, err := track.ReadConfig(runConfigFlag)
		if err != nil {
			return err
		}
		cfg = *read
	}
	sim := simParams{
		duration:      runDurationFlag,
		interval:      runIntervalFlag,
		driftPPM:      runDriftPPMFlag,
		driftStepPPM:  runDriftStepPPMFlag,
		driftStepAt:   runDriftStepAtFlag,
		driftRampPPM:  runDriftRampPPMFlag,
		initialOffset: runInitialOffsetFlag,
		pathDelay:     runPathDelayFlag,
		jitter:        runJitterFlag,
		loss:          runLossFlag,
		seed:          runSeedFlag,
	}
	stats := track.NewStats()
	res, err := runSimulation(cfg, sim, stats)
	if err != nil {
		return err
	}
	printSummary(sim, res, stats.Counters())
	verdictErr := verdict(res)
	if runMonitoringPortFlag > 0 {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		if err := serveMetrics(ctx, runMonitoringPortFlag, stats); err != nil {
			return err
		}
	}
	return verdictErr
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a closed-loop tracking simulation and report convergence",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()

		if err := doRun(); err != nil {
			log.Fatal(err)
		}
	},
}
