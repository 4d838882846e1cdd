package dispatch

/*
gareplay — replay recorded web traffic itineraries in Go
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/paulbellamy/ratecounter"
	"github.com/puzpuzpuz/xsync"
	"github.com/x-stp/gareplay/internal/metrics"
	"go.uber.org/zap"
)

// Dispatch outcomes as written to the journal and metrics.
const (
	StatusOK        = "ok"
	StatusFailed    = "failed"
	StatusPanic     = "panic"
	StatusCancelled = "cancelled"
)

// maxLatencySamples bounds the latency reservoir kept for percentiles.
const maxLatencySamples = 100_000

// DispatchFailure describes one contained action failure.
type DispatchFailure struct {
	Request Request
	Err     error
}

func (f *DispatchFailure) Error() string {
	return fmt.Sprintf("dispatch %s%s at %s bucket %d failed: %v",
		f.Request.Destination, f.Request.Path, f.Request.Key, f.Request.Bucket, f.Err)
}

func (f *DispatchFailure) Unwrap() error { return f.Err }

// PanicError wraps a value recovered from a panicking action.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("action panicked: %v", e.Value) }

// Options configure a Dispatcher.
type Options struct {
	// ActionName labels metrics and log lines.
	ActionName string
	// Limiter caps per-destination request rate. Nil disables the cap.
	Limiter *HostLimiter
	// Journal, when set, receives one line per dispatch.
	Journal *Journal
	Logger  *zap.Logger
}

// DestinationStats counts dispatches for one destination.
type DestinationStats struct {
	Total  int64
	Failed int64
}

type destCounter struct {
	total  atomic.Int64
	failed atomic.Int64
}

// Snapshot is a copy of the dispatcher's counters.
type Snapshot struct {
	Total     int64
	Succeeded int64
	Failed    int64
	Panics    int64
	// RatePerSecond is the dispatch rate over the last five seconds.
	RatePerSecond float64
	// Latency percentiles in milliseconds.
	P50, P95, P99  float64
	PerDestination map[string]DestinationStats
}

// Dispatcher invokes an Action for every Request. It never returns an error
// to its caller: failures and panics are logged, counted and journaled.
type Dispatcher struct {
	action  Action
	name    string
	limiter *HostLimiter
	journal *Journal
	logger  *zap.Logger

	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
	perDest   *xsync.MapOf[string, *destCounter]
	rate      *ratecounter.RateCounter

	latMu     sync.Mutex
	latencies []float64
	seen      int64
	rng       *rand.Rand
}

// NewDispatcher wraps action.
func NewDispatcher(action Action, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := opts.ActionName
	if name == "" {
		name = "custom"
	}
	return &Dispatcher{
		action:  action,
		name:    name,
		limiter: opts.Limiter,
		journal: opts.Journal,
		logger:  logger,
		perDest: xsync.NewMapOf[*destCounter](),
		rate:    ratecounter.NewRateCounter(5 * time.Second),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Dispatch runs the action for req and records the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) {
	scheduled := time.Now()
	status := StatusOK

	err := d.wait(ctx, req)
	start := time.Now()
	if err == nil {
		err = d.invoke(ctx, req)
	}
	latency := time.Since(start)

	var panicErr *PanicError
	switch {
	case err == nil:
	case errors.As(err, &panicErr):
		status = StatusPanic
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		status = StatusCancelled
	default:
		status = StatusFailed
	}
	d.record(req, status, err, latency)

	if d.journal != nil {
		if jerr := d.journal.Record(scheduled, req, status, latency); jerr != nil {
			if metrics.IsMetricsEnabled() {
				metrics.GetMetrics().JournalWriteFails.Inc()
			}
			d.logger.Debug("failed to write journal line", zap.Error(jerr))
		}
	}
}

func (d *Dispatcher) wait(ctx context.Context, req Request) error {
	waited, err := d.limiter.Wait(ctx, req.Destination)
	if waited > 0 && metrics.IsMetricsEnabled() {
		metrics.GetMetrics().RateLimitDelay.Observe(waited.Seconds())
	}
	return err
}

func (d *Dispatcher) invoke(ctx context.Context, req Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return d.action(ctx, req)
}

func (d *Dispatcher) record(req Request, status string, err error, latency time.Duration) {
	d.total.Add(1)
	d.rate.Incr(1)
	dc := d.counter(req.Destination)
	dc.total.Add(1)

	m := metrics.GetMetrics()
	m.ObserveDispatch(d.name, status, latency)

	if status == StatusOK {
		d.succeeded.Add(1)
		d.sample(latency)
		return
	}

	d.failed.Add(1)
	dc.failed.Add(1)
	if status == StatusPanic {
		d.panics.Add(1)
	}
	m.ObserveDispatchFailure(d.name, errorType(status, err))

	failure := &DispatchFailure{Request: req, Err: err}
	if status == StatusCancelled {
		d.logger.Debug("dispatch cancelled", zap.Error(failure))
		return
	}
	d.logger.Warn("dispatch failed",
		zap.String("destination", req.Destination),
		zap.String("path", req.Path),
		zap.Stringer("key", req.Key),
		zap.Int("bucket", req.Bucket),
		zap.String("status", status),
		zap.Error(err))
}

// counter returns the stored counter for dest, creating it on first use.
func (d *Dispatcher) counter(dest string) *destCounter {
	if dc, ok := d.perDest.Load(dest); ok {
		return dc
	}
	dc, _ := d.perDest.LoadOrStore(dest, &destCounter{})
	return dc
}

// sample keeps a uniform reservoir of successful latencies in milliseconds.
func (d *Dispatcher) sample(latency time.Duration) {
	ms := float64(latency.Microseconds()) / 1000
	d.latMu.Lock()
	defer d.latMu.Unlock()
	d.seen++
	if len(d.latencies) < maxLatencySamples {
		d.latencies = append(d.latencies, ms)
		return
	}
	if j := d.rng.Int63n(d.seen); j < maxLatencySamples {
		d.latencies[j] = ms
	}
}

func errorType(status string, err error) string {
	if status == StatusPanic || status == StatusCancelled {
		return status
	}
	var se *StatusError
	var ne net.Error
	switch {
	case errors.As(err, &se):
		return fmt.Sprintf("http_%d", se.Code)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	case errors.As(err, &ne):
		return "network"
	default:
		return "other"
	}
}

// Snapshot returns the current counters and latency percentiles.
func (d *Dispatcher) Snapshot() Snapshot {
	s := Snapshot{
		Total:          d.total.Load(),
		Succeeded:      d.succeeded.Load(),
		Failed:         d.failed.Load(),
		Panics:         d.panics.Load(),
		RatePerSecond:  float64(d.rate.Rate()) / 5,
		PerDestination: make(map[string]DestinationStats, d.perDest.Size()),
	}
	d.perDest.Range(func(dest string, c *destCounter) bool {
		s.PerDestination[dest] = DestinationStats{Total: c.total.Load(), Failed: c.failed.Load()}
		return true
	})

	d.latMu.Lock()
	data := stats.Float64Data(append([]float64(nil), d.latencies...))
	d.latMu.Unlock()
	if len(data) > 0 {
		s.P50, _ = data.Percentile(50)
		s.P95, _ = data.Percentile(95)
		s.P99, _ = data.Percentile(99)
	}
	return s
}

// TopDestinations returns up to n destinations ordered by dispatch count.
func (s Snapshot) TopDestinations(n int) []string {
	dests := make([]string, 0, len(s.PerDestination))
	for dest := range s.PerDestination {
		dests = append(dests, dest)
	}
	sort.Slice(dests, func(i, j int) bool {
		a, b := s.PerDestination[dests[i]], s.PerDestination[dests[j]]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		return dests[i] < dests[j]
	})
	if n >= 0 && len(dests) > n {
		dests = dests[:n]
	}
	return dests
}
