/*
Package main is the entry point for the gareplay command-line application.

gareplay replays historical web traffic. An itinerary, a CSV of pageview
counts per clock minute, is walked in real time: each recorded minute is
spread over a number of sub-minute buckets and every pageview is handed to a
request action (dummy, simple or analytics).

Subcommands:
  - replay: replay an itinerary, optionally resuming at a given HHMM minute.
  - fetch: build an itinerary from the analytics reporting API.
  - inspect: print a short summary of an itinerary.

Settings come from GAREPLAY_* environment variables (and an optional .env
file); command-line flags override them. SIGINT and SIGTERM cancel the
running command, which finishes the in-flight bucket and prints its summary.
*/
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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/x-stp/gareplay/internal/config"
	"github.com/x-stp/gareplay/internal/core"
	"github.com/x-stp/gareplay/internal/logging"
	"github.com/x-stp/gareplay/internal/metrics"
)

// Shared state set up by the root command before any subcommand runs.
var (
	conf   *config.Configuration
	logger = zap.NewNop()
	runID  string
)

// Global flags (persistent across commands)
var (
	logLevel    string
	logFormat   string
	metricsOn   bool
	metricsAddr string
)

// Flags for the replay command
var (
	startKey      string
	buckets       int
	actionName    string
	concurrency   int
	hostRate      float64
	journalPath   string
	offsetMode    string
	turbo         bool
	pinWorkers    bool
	analyticsHost string
	scheme        string
	showStats     bool
)

// Flags for the fetch command
var (
	extraDimensions []string
	outfile         string
	sitesFile       string
	credentials     string
	cacheFile       string
)

var rootCmd = &cobra.Command{
	Use:           "gareplay",
	Short:         "gareplay - replay recorded web traffic minute by minute",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return err
		}
		applyFlagOverrides(cmd, c)
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		conf = c

		l, err := logging.New(conf.LogLevel, conf.LogFormat)
		if err != nil {
			return err
		}
		runID = uuid.NewString()
		logger = l.With(zap.String("run_id", runID))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.ShutdownMetricsServer(ctx); err != nil {
			logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
		_ = logger.Sync()
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <itinerary.csv>",
	Short: "Replay an itinerary in real time",
	Long: `Replays an itinerary (hour,minute,destination,path,extra...,pageviews) one
minute at a time. Each minute's pageviews are split over --buckets evenly spaced
sub-minute slices and handed to the selected request action.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return runReplay(ctx, args[0])
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <sites> <start DD-MM-YYYY> <end DD-MM-YYYY>",
	Short: "Build an itinerary from the analytics reporting API",
	Long: `Fetches pageviews per page and minute for each site between start and end
(inclusive) and writes them as a replayable itinerary. Sites are comma
separated or given as separate arguments and must be listed in the sites file.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return runFetch(ctx, args)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <itinerary.csv>",
	Short: "Summarise an itinerary without replaying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(os.Stdout, args[0])
	},
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "List the environment variables gareplay reads",
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.Usage(os.Stdout)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log encoding: console or json")
	rootCmd.PersistentFlags().BoolVar(&metricsOn, "metrics", true, "Expose Prometheus metrics on /metrics")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Listening address for /metrics")

	replayCmd.Flags().StringVar(&startKey, "start", "", "Resume at this HHMM minute instead of the first one")
	replayCmd.Flags().IntVarP(&buckets, "buckets", "b", core.DefaultRequestBuckets, "Sub-minute buckets per replayed minute")
	replayCmd.Flags().StringVarP(&actionName, "action", "a", "dummy", "Request action: dummy, simple or analytics")
	replayCmd.Flags().IntVarP(&concurrency, "concurrency", "c", core.DefaultConcurrency, "Dispatch workers (0 for a goroutine per request)")
	replayCmd.Flags().Float64Var(&hostRate, "host-rate", 0, "Per-destination requests/s cap (0 disables)")
	replayCmd.Flags().StringVar(&journalPath, "journal", "", "Write one CSV line per dispatch to this file (.gz compresses)")
	replayCmd.Flags().StringVar(&offsetMode, "offset-mode", "ordinal", "Minute spacing: ordinal or wallclock")
	replayCmd.Flags().BoolVar(&turbo, "turbo", false, "Use the high-throughput HTTP client preset")
	replayCmd.Flags().BoolVar(&pinWorkers, "pin-workers", false, "Pin dispatch workers to CPU cores (Linux)")
	replayCmd.Flags().StringVar(&analyticsHost, "analytics-host", "", "host[:port] receiving record_pageview posts")
	replayCmd.Flags().StringVar(&scheme, "scheme", "http", "URL scheme for replayed requests")
	replayCmd.Flags().BoolVarP(&showStats, "stats", "s", true, "Show progress during the replay")

	fetchCmd.Flags().StringSliceVar(&extraDimensions, "extra-dimensions", nil, "Comma separated extra analytics dimensions")
	fetchCmd.Flags().StringVarP(&outfile, "outfile", "o", "", "Itinerary file to write, .gz compresses (default itineraries/<sites>_<start>_<end>.csv)")
	fetchCmd.Flags().StringVar(&sitesFile, "sites-file", "sites.yaml", "YAML file mapping sites to view IDs")
	fetchCmd.Flags().StringVar(&credentials, "credentials", "", "Service-account JSON key file")
	fetchCmd.Flags().StringVar(&cacheFile, "cache", "", "BoltDB file caching report results")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(envCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// applyFlagOverrides copies every flag the user set explicitly over the
// environment configuration.
func applyFlagOverrides(cmd *cobra.Command, c *config.Configuration) {
	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			apply()
		}
	}
	set("log-level", func() { c.LogLevel = logLevel })
	set("log-format", func() { c.LogFormat = logFormat })
	set("metrics", func() { c.Metrics = metricsOn })
	set("metrics-addr", func() { c.MetricsAddr = metricsAddr })

	set("buckets", func() { c.RequestBuckets = buckets })
	set("action", func() { c.Action = actionName })
	set("concurrency", func() { c.Concurrency = concurrency })
	set("host-rate", func() { c.HostRateLimit = hostRate })
	set("offset-mode", func() { c.OffsetMode = offsetMode })
	set("turbo", func() { c.Turbo = turbo })
	set("pin-workers", func() { c.PinWorkers = pinWorkers })
	set("analytics-host", func() { c.AnalyticsHost = analyticsHost })
	set("scheme", func() { c.Scheme = scheme })

	set("sites-file", func() { c.SitesFile = sitesFile })
	set("credentials", func() { c.Credentials = credentials })
	set("cache", func() { c.CacheFile = cacheFile })
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Warn("received signal, finishing the current bucket", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// startMetrics enables the exporter when configured. Failures are logged and
// do not stop the command.
func startMetrics() {
	if !conf.Metrics {
		return
	}
	metrics.EnableMetrics()
	if err := metrics.StartMetricsServer(conf.MetricsAddr, logger); err != nil {
		logger.Warn("failed to start metrics server", zap.Error(err))
	}
}
