package client

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitHTTPClientFillsDefaults(t *testing.T) {
	sharedClient = nil
	clientInitialized = false

	InitHTTPClient(&Config{})
	tr := Transport(GetHTTPClient())
	require.NotNil(t, tr)

	assert.Equal(t, defaultMaxIdleConns, tr.MaxIdleConns)
	assert.Equal(t, defaultMaxIdleConnsHost, tr.MaxIdleConnsPerHost)
	assert.Zero(t, tr.MaxConnsPerHost)
	assert.Equal(t, defaultRequestTimeout, GetHTTPClient().Timeout)
}

func TestConfigureTurboModeRaisesPoolLimits(t *testing.T) {
	sharedClient = nil
	clientInitialized = false

	ConfigureTurboMode()
	tr := Transport(GetHTTPClient())
	require.NotNil(t, tr)

	assert.Equal(t, 512, tr.MaxIdleConnsPerHost)
	assert.Greater(t, tr.MaxIdleConns, defaultMaxIdleConns)
}

func TestClientSetsUserAgent(t *testing.T) {
	t.Parallel()
	agents := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := New(nil)
	resp, err := c.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, UserAgent, <-agents)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "custom")
	resp, err = c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "custom", <-agents)
}
