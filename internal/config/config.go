// Package config loads gareplay settings from the environment, an optional
// .env file and the YAML sites file.
package config

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
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/x-stp/gareplay/internal/core"
	"github.com/x-stp/gareplay/internal/dispatch"
	"github.com/x-stp/gareplay/internal/logging"
)

// Prefix for environment variable names, so REQUEST_BUCKETS becomes GAREPLAY_REQUEST_BUCKETS.
const envprefix = "GAREPLAY"

// Configuration via environment variables with github.com/kelseyhightower/envconfig.
// Command-line flags override these values.
type Configuration struct {
	// REQUEST_BUCKETS is the number of sub-minute slices each minute is spread over.
	RequestBuckets int `split_words:"true" default:"6" desc:"Sub-minute buckets per replayed minute"`

	// CONCURRENCY bounds in-flight dispatches. 0 starts a goroutine per dispatch.
	Concurrency int `default:"256" desc:"Dispatch workers (0 = unbounded)"`

	// ACTION selects the request action: dummy, simple or analytics.
	Action string `default:"dummy" desc:"Request action to replay with"`

	// ANALYTICS_HOST receives record_pageview posts from the analytics action.
	AnalyticsHost string `split_words:"true" desc:"host[:port] for the analytics action"`

	// SCHEME is used to build request URLs.
	Scheme string `default:"http" desc:"URL scheme for replayed requests"`

	// HOST_RATE_LIMIT caps requests per second per destination. 0 disables the cap.
	HostRateLimit float64 `split_words:"true" default:"0" desc:"Per-destination requests/s cap (0 = off)"`

	// OFFSET_MODE is ordinal (consumed keys) or wallclock (minute-of-day distance).
	OffsetMode string `split_words:"true" default:"ordinal" desc:"How minute keys map to wall time"`

	// PIN_WORKERS binds dispatch workers to CPU cores on Linux.
	PinWorkers bool `split_words:"true" default:"false" desc:"Pin dispatch workers to CPU cores"`

	// TURBO raises HTTP connection pool limits.
	Turbo bool `default:"false" desc:"Use the high-throughput HTTP client preset"`

	// METRICS will expose metrics for Prometheus via /metrics
	Metrics     bool   `default:"true" desc:"Enable Prometheus exporter on /metrics"`
	MetricsAddr string `split_words:"true" default:":9090" desc:"Listening address for /metrics"`

	LogLevel  string `split_words:"true" default:"info" desc:"debug, info, warn or error"`
	LogFormat string `split_words:"true" default:"console" desc:"console or json"`

	// SITES_FILE maps site domains to analytics view IDs for the fetch command.
	SitesFile string `split_words:"true" default:"sites.yaml" desc:"YAML file of site -> view ID"`

	// CREDENTIALS is a service-account JSON key for the reporting API.
	Credentials string `desc:"Service-account JSON key file"`

	// CACHE_FILE is a BoltDB file caching reporting API results. Empty disables caching.
	CacheFile string `split_words:"true" desc:"BoltDB cache for reporting API results"`
}

// Load reads .env (if present) into the environment and parses the
// configuration from it.
func Load() (*Configuration, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load dotenv: %w", err)
	}
	conf := &Configuration{}
	if err := envconfig.Process(envprefix, conf); err != nil {
		return nil, fmt.Errorf("failed parsing config: %w", err)
	}
	return conf, nil
}

// Validate reports the first invalid setting. It rewrites Action to its
// registered lowercase name.
func (c *Configuration) Validate() error {
	if c.RequestBuckets <= 0 {
		return fmt.Errorf("%w: got %d", core.ErrInvalidBuckets, c.RequestBuckets)
	}
	if c.Concurrency < 0 || c.Concurrency > core.MaxWorkers {
		return fmt.Errorf("concurrency must be between 0 and %d, got %d", core.MaxWorkers, c.Concurrency)
	}
	if _, err := core.ParseOffsetMode(c.OffsetMode); err != nil {
		return err
	}
	if c.HostRateLimit < 0 {
		return fmt.Errorf("host rate limit must not be negative, got %g", c.HostRateLimit)
	}
	if c.Scheme != "http" && c.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", c.Scheme)
	}
	action, err := dispatch.CanonicalAction(c.Action)
	if err != nil {
		return err
	}
	c.Action = action
	if c.Action == dispatch.ActionAnalytics && c.AnalyticsHost == "" {
		return errors.New("the analytics action needs GAREPLAY_ANALYTICS_HOST")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != logging.FormatConsole && c.LogFormat != logging.FormatJSON {
		return fmt.Errorf("log format must be console or json, got %q", c.LogFormat)
	}
	return nil
}

// see https://github.com/kelseyhightower/envconfig/blob/v1.4.0/usage.go#L31
const usageHelpFormat = `Environment variables:
KEY	DESCRIPTION	DEFAULT
{{range .}}{{usage_key .}}	{{usage_description .}}	{{usage_default .}}
{{end}}`

// Usage writes the environment variable table to w.
func Usage(w io.Writer) error {
	tabs := tabwriter.NewWriter(w, 1, 0, 4, ' ', 0)
	if err := envconfig.Usagef(envprefix, &Configuration{}, tabs, usageHelpFormat); err != nil {
		return err
	}
	return tabs.Flush()
}
