// Package dispatch turns a simulated pageview into a request action and
// contains whatever that action does wrong.
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
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/x-stp/gareplay/internal/client"
	"github.com/x-stp/gareplay/internal/itinerary"
	"go.uber.org/zap"
)

// Action names accepted by NewAction.
const (
	ActionDummy     = "dummy"
	ActionSimple    = "simple"
	ActionAnalytics = "analytics"
)

// RequestIDHeader carries a per-dispatch UUID to the destination.
const RequestIDHeader = "X-Request-ID"

// ErrUnknownAction is returned by NewAction for an unregistered name.
var ErrUnknownAction = errors.New("unknown request action")

// Request is one simulated pageview.
type Request struct {
	Destination string
	Path        string
	// Extra holds the row's extra dimensions in file order. It may be empty.
	Extra []string
	Key   itinerary.MinuteKey
	// Bucket is the sub-minute slice the request was scheduled in.
	Bucket int
	// Seq is the position of the request among its minute's dispatches.
	Seq int
}

// Referrer returns the first extra dimension, or "" when there is none.
func (r Request) Referrer() string {
	if len(r.Extra) == 0 {
		return ""
	}
	return r.Extra[0]
}

// Action performs one request. It must honour ctx and tolerate a Request
// without extra dimensions.
type Action func(ctx context.Context, req Request) error

// StatusError is returned by the HTTP actions for a 4xx or 5xx response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d", e.URL, e.Code)
}

// Deps are the collaborators an action may need.
type Deps struct {
	HTTPClient *http.Client
	// Scheme is used to build URLs, "http" when empty.
	Scheme string
	// AnalyticsHost is the host[:port] that receives record_pageview posts.
	AnalyticsHost string
	Logger        *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.HTTPClient == nil {
		d.HTTPClient = client.GetHTTPClient()
	}
	if d.Scheme == "" {
		d.Scheme = "http"
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

type actionFactory func(Deps) (Action, error)

var registry = map[string]actionFactory{
	ActionDummy:     newDummyAction,
	ActionSimple:    newSimpleAction,
	ActionAnalytics: newAnalyticsAction,
}

// ActionNames lists the registered action names, sorted.
func ActionNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CanonicalAction returns the registered spelling of name. Matching ignores
// case and surrounding space.
func CanonicalAction(name string) (string, error) {
	canonical := strings.ToLower(strings.TrimSpace(name))
	if _, ok := registry[canonical]; !ok {
		return "", fmt.Errorf("%w %q (have %s)", ErrUnknownAction, name, strings.Join(ActionNames(), ", "))
	}
	return canonical, nil
}

// NewAction looks up name and builds the action with deps.
func NewAction(name string, deps Deps) (Action, error) {
	canonical, err := CanonicalAction(name)
	if err != nil {
		return nil, err
	}
	return registry[canonical](deps.withDefaults())
}

// newDummyAction logs the request instead of sending it.
func newDummyAction(deps Deps) (Action, error) {
	logger := deps.Logger
	return func(_ context.Context, req Request) error {
		logger.Info("requesting",
			zap.String("destination", req.Destination),
			zap.String("path", req.Path),
			zap.Strings("extra", req.Extra))
		return nil
	}, nil
}

// newSimpleAction fetches scheme://destination/path and discards the body.
func newSimpleAction(deps Deps) (Action, error) {
	return func(ctx context.Context, req Request) error {
		target := deps.Scheme + "://" + req.Destination + req.Path
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("failed to build request for %s: %w", target, err)
		}
		return do(deps.HTTPClient, httpReq)
	}, nil
}

// newAnalyticsAction posts the pageview to the analytics host's
// record_pageview endpoint.
func newAnalyticsAction(deps Deps) (Action, error) {
	if deps.AnalyticsHost == "" {
		return nil, errors.New("analytics action needs an analytics host")
	}
	endpoint := deps.Scheme + "://" + deps.AnalyticsHost + "/record_pageview/"
	return func(ctx context.Context, req Request) error {
		form := url.Values{
			"path":     {req.Path},
			"site":     {req.Destination},
			"referrer": {req.Referrer()},
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("failed to build request for %s: %w", endpoint, err)
		}
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return do(deps.HTTPClient, httpReq)
	}, nil
}

func do(c *http.Client, req *http.Request) error {
	req.Header.Set(RequestIDHeader, uuid.NewString())
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("failed to read response from %s: %w", req.URL, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &StatusError{URL: req.URL.String(), Code: resp.StatusCode}
	}
	return nil
}
