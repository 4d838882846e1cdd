package main

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
	"io"
	"math"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/x-stp/gareplay/internal/client"
	"github.com/x-stp/gareplay/internal/core"
	"github.com/x-stp/gareplay/internal/dispatch"
	"github.com/x-stp/gareplay/internal/itinerary"
)

// runReplay is the handler for the 'replay' command.
func runReplay(ctx context.Context, path string) error {
	it, err := itinerary.Load(path)
	if err != nil {
		return err
	}
	logger.Info("itinerary loaded",
		zap.String("path", path),
		zap.Int("minutes", it.Len()),
		zap.Int("rows", it.TotalRows()),
		zap.Int64("pageviews", it.TotalPageviews()))

	startMetrics()
	if conf.Turbo {
		logger.Info("enabling turbo mode for HTTP client")
		client.ConfigureTurboMode()
	}

	action, err := dispatch.NewAction(conf.Action, dispatch.Deps{
		HTTPClient:    client.GetHTTPClient(),
		Scheme:        conf.Scheme,
		AnalyticsHost: conf.AnalyticsHost,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	var journal *dispatch.Journal
	if journalPath != "" {
		// The journal outlives ctx so a cancelled replay still publishes it.
		journal, err = dispatch.OpenJournal(context.Background(), journalPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := journal.Close(); err != nil {
				logger.Error("failed to close journal", zap.Error(err))
				return
			}
			logger.Info("journal written",
				zap.String("path", journal.Path()),
				zap.Int64("bytes", journal.Written()))
		}()
	}

	dispatcher := dispatch.NewDispatcher(action, dispatch.Options{
		ActionName: conf.Action,
		Limiter:    dispatch.NewHostLimiter(conf.HostRateLimit, hostBurst(conf.HostRateLimit)),
		Journal:    journal,
		Logger:     logger,
	})

	pool, err := core.NewWorkerPool(core.PoolOptions{
		Workers:    conf.Concurrency,
		PinWorkers: conf.PinWorkers,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer pool.Shutdown()

	replayer, err := core.NewReplayer(it, dispatcher, core.ReplayConfig{
		RequestBuckets: conf.RequestBuckets,
		Resume:         startKey,
		OffsetMode:     core.OffsetMode(conf.OffsetMode),
	}, core.WithPool(pool), core.WithLogger(logger))
	if err != nil {
		return err
	}
	// Resolve the resume point before any output so a bad --start fails fast.
	if _, err := replayer.Plan(); err != nil {
		return err
	}

	statsCtx, stopStats := context.WithCancel(ctx)
	var statsWg sync.WaitGroup
	if showStats {
		statsWg.Add(1)
		go func() {
			defer statsWg.Done()
			displayReplayStats(statsCtx, os.Stdout, replayer, dispatcher)
		}()
	}

	summary, runErr := replayer.Run(ctx)
	stopStats()
	statsWg.Wait()

	displayFinalReplayStats(os.Stdout, summary, dispatcher.Snapshot())

	if errors.Is(runErr, core.ErrReplayCancelled) {
		logger.Warn("replay cancelled",
			zap.Int("minutes_done", summary.Minutes),
			zap.Stringer("last_key", summary.LastKey))
		return nil
	}
	return runErr
}

// hostBurst lets a destination absorb one second's worth of requests at once.
func hostBurst(perSecond float64) int {
	return max(1, int(math.Ceil(perSecond)))
}

// displayReplayStats periodically shows replay progress until ctx is done.
func displayReplayStats(ctx context.Context, w io.Writer, r *core.Replayer, d *dispatch.Dispatcher) {
	ticker := time.NewTicker(core.StatsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprint(w, "\r"+progressLine(r.Progress(), d.Snapshot(), conf.RequestBuckets))
		case <-ctx.Done():
			fmt.Fprintln(w)
			return
		}
	}
}

func progressLine(p core.Progress, s dispatch.Snapshot, buckets int) string {
	percent := 0.0
	if p.MinutesTotal > 0 {
		percent = float64(p.MinutesDone) / float64(p.MinutesTotal) * 100
	}
	return fmt.Sprintf("Minute %s [%s] bucket %d/%d | Minutes: %d/%d (%.1f%%) | Dispatched: %d | Failed: %d | Rate: %.0f req/s | Lag: %v",
		p.Key,
		p.State,
		p.Bucket+1,
		buckets,
		p.MinutesDone,
		p.MinutesTotal,
		percent,
		s.Total,
		s.Failed,
		s.RatePerSecond,
		p.LastLag.Round(time.Millisecond),
	)
}

// displayFinalReplayStats shows the summary of a finished or cancelled replay.
func displayFinalReplayStats(w io.Writer, sum core.Summary, s dispatch.Snapshot) {
	elapsed := sum.Finished.Sub(sum.Started)
	fmt.Fprintf(w, "\n--- Replay Summary ---\n")
	fmt.Fprintf(w, "   Replay Time: %v\n", elapsed.Round(time.Millisecond))
	if sum.Minutes > 0 {
		fmt.Fprintf(w, "       Minutes: %d (%s - %s)\n", sum.Minutes, sum.FirstKey, sum.LastKey)
	} else {
		fmt.Fprintf(w, "       Minutes: 0\n")
	}
	fmt.Fprintf(w, "       Buckets: %d\n", sum.Buckets)
	fmt.Fprintf(w, "    Dispatched: %d\n", s.Total)
	fmt.Fprintf(w, "     Succeeded: %d\n", s.Succeeded)
	fmt.Fprintf(w, "        Failed: %d (panics: %d)\n", s.Failed, s.Panics)
	fmt.Fprintf(w, "   Latency p50: %.1fms p95: %.1fms p99: %.1fms\n", s.P50, s.P95, s.P99)
	fmt.Fprintf(w, "   Max Start Lag: %v\n", sum.MaxLag.Round(time.Millisecond))
	if top := s.TopDestinations(5); len(top) > 0 {
		fmt.Fprintf(w, "  Top Destinations:\n")
		for _, dest := range top {
			ds := s.PerDestination[dest]
			fmt.Fprintf(w, "    %-32s %d (%d failed)\n", dest, ds.Total, ds.Failed)
		}
	}
	fmt.Fprintf(w, "----------------------\n")
}
