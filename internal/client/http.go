package client

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

/*
Package client provides the HTTP client used by the replay actions and the
analytics reporting client.

A shared client is configured once and reused by every dispatch so that
keep-alive connections to the replayed destinations are pooled. A "turbo"
preset raises the pool limits for replays with large per-minute fan-out.
*/

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// UserAgent is sent with every request issued through this package.
const UserAgent = "gareplay/1.0 (+https://github.com/x-stp/gareplay)"

var (
	defaultDialTimeout      = 5 * time.Second
	defaultKeepAliveTimeout = 60 * time.Second
	defaultIdleConnTimeout  = 90 * time.Second
	defaultMaxIdleConns     = 256
	defaultMaxIdleConnsHost = 64
	defaultMaxConnsPerHost  = 0 // unlimited: the worker pool bounds fan-out
	defaultRequestTimeout   = 15 * time.Second

	sharedClient      *http.Client
	sharedClientLock  sync.RWMutex
	clientInitialized bool
)

// Config holds configuration parameters for the HTTP client.
// A zero-value Config will result in default settings being used.
type Config struct {
	DialTimeout      time.Duration
	KeepAliveTimeout time.Duration
	// IdleConnTimeout is how long an idle keep-alive connection stays open.
	IdleConnTimeout     time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	// MaxConnsPerHost caps dialing, active and idle connections per host.
	// Zero means no cap.
	MaxConnsPerHost int
	// RequestTimeout bounds a whole request including reading the body.
	RequestTimeout time.Duration
}

// DefaultConfig returns a new Config struct populated with default HTTP client settings.
func DefaultConfig() *Config {
	return &Config{
		DialTimeout:         defaultDialTimeout,
		KeepAliveTimeout:    defaultKeepAliveTimeout,
		IdleConnTimeout:     defaultIdleConnTimeout,
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsHost,
		MaxConnsPerHost:     defaultMaxConnsPerHost,
		RequestTimeout:      defaultRequestTimeout,
	}
}

// TurboConfig is tuned for replays that keep hundreds of requests in flight.
func TurboConfig() *Config {
	return &Config{
		DialTimeout:         2 * time.Second,
		KeepAliveTimeout:    120 * time.Second,
		IdleConnTimeout:     120 * time.Second,
		MaxIdleConns:        2048,
		MaxIdleConnsPerHost: 512,
		RequestTimeout:      30 * time.Second,
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.DialTimeout == 0 {
		out.DialTimeout = defaultDialTimeout
	}
	if out.KeepAliveTimeout == 0 {
		out.KeepAliveTimeout = defaultKeepAliveTimeout
	}
	if out.IdleConnTimeout == 0 {
		out.IdleConnTimeout = defaultIdleConnTimeout
	}
	if out.MaxIdleConns == 0 {
		out.MaxIdleConns = defaultMaxIdleConns
	}
	if out.MaxIdleConnsPerHost == 0 {
		out.MaxIdleConnsPerHost = defaultMaxIdleConnsHost
	}
	if out.RequestTimeout == 0 {
		out.RequestTimeout = defaultRequestTimeout
	}
	return &out
}

// New builds a standalone client from config. A nil config uses DefaultConfig.
func New(config *Config) *http.Client {
	if config == nil {
		config = DefaultConfig()
	}
	config = config.withDefaults()

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAliveTimeout,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: &userAgentTransport{base: transport},
		Timeout:   config.RequestTimeout,
	}
}

// userAgentTransport sets UserAgent on requests that do not carry one.
type userAgentTransport struct {
	base http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", UserAgent)
	}
	return t.base.RoundTrip(req)
}

// CloseIdleConnections forwards to the wrapped transport.
func (t *userAgentTransport) CloseIdleConnections() {
	if ci, ok := t.base.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}

// InitHTTPClient initializes or reconfigures the shared HTTP client.
// A nil config uses DefaultConfig. It is safe for concurrent use.
func InitHTTPClient(config *Config) {
	sharedClientLock.Lock()
	defer sharedClientLock.Unlock()

	// Drop idle keep-alives held by the previous client.
	if sharedClient != nil {
		sharedClient.CloseIdleConnections()
	}
	sharedClient = New(config)
	clientInitialized = true
}

// GetHTTPClient returns the shared client, initializing it with defaults on
// first use.
func GetHTTPClient() *http.Client {
	sharedClientLock.RLock()
	if !clientInitialized {
		sharedClientLock.RUnlock()
		InitHTTPClient(nil)
		sharedClientLock.RLock()
	}
	client := sharedClient
	sharedClientLock.RUnlock()
	return client
}

// ConfigureTurboMode switches the shared client to TurboConfig.
func ConfigureTurboMode() {
	InitHTTPClient(TurboConfig())
}

// Transport returns the *http.Transport underneath c, or nil.
func Transport(c *http.Client) *http.Transport {
	switch tr := c.Transport.(type) {
	case *http.Transport:
		return tr
	case *userAgentTransport:
		base, _ := tr.base.(*http.Transport)
		return base
	}
	return nil
}
