// Package analytics pulls historical pageview rows from the Google Analytics
// Core Reporting API (v3) and reshapes them into itinerary rows.
package analytics

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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"

	"github.com/x-stp/gareplay/internal/core"
	"github.com/x-stp/gareplay/internal/metrics"
)

const (
	// DefaultEndpoint is the Core Reporting API v3 data endpoint.
	DefaultEndpoint = "https://www.googleapis.com/analytics/v3/data/ga"
	// Scope is the read-only OAuth scope the reporting API needs.
	Scope = "https://www.googleapis.com/auth/analytics.readonly"
	// MaxResults is the page size requested from the API.
	MaxResults = 10000
)

// BaseDimensions are always requested, in this order, before any extras.
var BaseDimensions = []string{"ga:pagePath", "ga:date", "ga:hour", "ga:minute"}

// Query describes one report: pageviews for a view between two dates.
type Query struct {
	ViewID          string
	Start           time.Time
	End             time.Time
	ExtraDimensions []string
}

// Dimensions returns the full dimension list of the query.
func (q Query) Dimensions() []string {
	return append(append([]string(nil), BaseDimensions...), q.ExtraDimensions...)
}

func (q Query) params(startIndex int) url.Values {
	return url.Values{
		"ids":         {q.ViewID},
		"start-date":  {q.Start.Format("2006-01-02")},
		"end-date":    {q.End.Format("2006-01-02")},
		"metrics":     {"ga:pageviews"},
		"dimensions":  {strings.Join(q.Dimensions(), ",")},
		"max-results": {strconv.Itoa(MaxResults)},
		"start-index": {strconv.Itoa(startIndex)},
	}
}

// page is the subset of the API response the client uses.
type page struct {
	TotalResults int        `json:"totalResults"`
	Rows         [][]string `json:"rows"`
}

// Client pages through reports, retrying transient failures.
type Client struct {
	http     *http.Client
	endpoint string
	cache    *Cache
	logger   *zap.Logger
	backoff  func(attempt int) time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the API endpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithCache serves repeated queries from cache.
func WithCache(cache *Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBackoff replaces the delay between attempts.
func WithBackoff(f func(attempt int) time.Duration) Option {
	return func(c *Client) { c.backoff = f }
}

// NewClient returns a reporting client that sends requests through hc. hc
// must already carry credentials; see NewAuthorizedHTTPClient.
func NewClient(hc *http.Client, opts ...Option) *Client {
	c := &Client{
		http:     hc,
		endpoint: DefaultEndpoint,
		logger:   zap.NewNop(),
		backoff:  Backoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// NewAuthorizedHTTPClient builds an HTTP client authorized with the
// service-account key in credentialsFile.
func NewAuthorizedHTTPClient(ctx context.Context, credentialsFile string) (*http.Client, error) {
	if credentialsFile == "" {
		return nil, errors.New("no credentials file configured")
	}
	hc, _, err := htransport.NewClient(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(Scope))
	if err != nil {
		return nil, fmt.Errorf("failed to create authorized client: %w", err)
	}
	return hc, nil
}

// Backoff is the default delay before retry attempt n (1-based): exponential
// from core.RetryBaseDelay with jitter, capped at core.RetryMaxDelay.
func Backoff(attempt int) time.Duration {
	d := float64(core.RetryBaseDelay) * math.Pow(core.RetryBackoffMultiplier, float64(attempt-1))
	d += d * core.RetryJitterFactor * (rand.Float64()*2 - 1)
	if d > float64(core.RetryMaxDelay) {
		d = float64(core.RetryMaxDelay)
	}
	return time.Duration(d)
}

// Report returns every row of the query: pagePath, date, hour, minute, the
// extra dimensions and the pageview count.
func (c *Client) Report(ctx context.Context, q Query) ([][]string, error) {
	if c.cache != nil {
		rows, ok, err := c.cache.Get(q)
		if err != nil {
			c.logger.Warn("analytics cache read failed", zap.Error(err))
		} else if ok {
			c.logger.Info("serving report from cache", zap.String("view", q.ViewID), zap.Int("rows", len(rows)))
			return rows, nil
		}
	}

	var all [][]string
	for start := 1; ; start += MaxResults {
		p, err := c.fetchPage(ctx, q, start)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Rows...)
		next := start + MaxResults
		if len(p.Rows) == 0 || next > p.TotalResults {
			break
		}
		c.logger.Info("requesting next report page",
			zap.String("view", q.ViewID),
			zap.Int("start_index", next),
			zap.Int("total", p.TotalResults))
	}

	if c.cache != nil {
		if err := c.cache.Put(q, all); err != nil {
			c.logger.Warn("analytics cache write failed", zap.Error(err))
		}
	}
	return all, nil
}

func (c *Client) fetchPage(ctx context.Context, q Query, startIndex int) (*page, error) {
	var lastErr error
	for attempt := 1; attempt <= core.MaxNetworkRetries; attempt++ {
		if attempt > 1 {
			if metrics.IsMetricsEnabled() {
				metrics.GetMetrics().AnalyticsRetriesTotal.Inc()
			}
			timer := time.NewTimer(c.backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		p, err := c.get(ctx, q, startIndex)
		if err == nil {
			return p, nil
		}
		lastErr = err
		if !core.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		c.logger.Warn("report page request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("start_index", startIndex),
			zap.Error(err))
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", core.MaxNetworkRetries, lastErr)
}

func (c *Client) get(ctx context.Context, q Query, startIndex int) (*page, error) {
	u := c.endpoint + "?" + q.params(startIndex).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if metrics.IsMetricsEnabled() {
		m := metrics.GetMetrics()
		m.AnalyticsRequestDuration.Observe(time.Since(start).Seconds())
		status := "error"
		if resp != nil {
			status = strconv.Itoa(resp.StatusCode)
		}
		m.AnalyticsRequestsTotal.WithLabelValues(status).Inc()
	}
	if err != nil {
		var ne net.Error
		retryable := errors.As(err, &ne) || errors.Is(err, io.ErrUnexpectedEOF)
		return nil, core.WrapError(err, "report request failed", retryable && ctx.Err() == nil)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.WrapError(err, "failed to read report response", true)
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, core.NewError(fmt.Sprintf("reporting API returned HTTP %d: %s", resp.StatusCode, snippet(body)), retryable)
	}

	p := &page{}
	if err := json.Unmarshal(body, p); err != nil {
		return nil, fmt.Errorf("failed to decode report page: %w", err)
	}
	return p, nil
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
