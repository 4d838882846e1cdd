package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// find returns the metric of family name whose labels include want.
func find(t *testing.T, name string, want map[string]string) *dto.Metric {
	t.Helper()
	families, err := Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if got[k] != v {
					continue next
				}
			}
			return m
		}
	}
	return nil
}

func TestMetricsRecordOnlyWhenEnabled(t *testing.T) {
	m := GetMetrics()
	assert.Same(t, m, GetMetrics())

	m.ObserveDispatch("disabled", "ok", time.Millisecond)
	assert.Nil(t, find(t, "gareplay_dispatches_total", map[string]string{"action": "disabled"}))

	EnableMetrics()
	require.True(t, IsMetricsEnabled())

	m.ObserveDispatch("simple", "ok", 20*time.Millisecond)
	m.ObserveDispatch("simple", "ok", 30*time.Millisecond)
	m.ObserveDispatchFailure("simple", "http_503")

	ok := find(t, "gareplay_dispatches_total", map[string]string{"action": "simple", "status": "ok"})
	require.NotNil(t, ok)
	assert.Equal(t, 2.0, ok.GetCounter().GetValue())

	failed := find(t, "gareplay_dispatch_failures_total", map[string]string{"error_type": "http_503"})
	require.NotNil(t, failed)
	assert.Equal(t, 1.0, failed.GetCounter().GetValue())

	dur := find(t, "gareplay_dispatch_duration_seconds", map[string]string{"action": "simple"})
	require.NotNil(t, dur)
	assert.EqualValues(t, 2, dur.GetHistogram().GetSampleCount())
}

func TestReplayStateIsOneHot(t *testing.T) {
	EnableMetrics()
	all := []string{"init", "waiting", "done"}
	GetMetrics().SetReplayState("waiting", all)
	GetMetrics().SetReplayState("done", all)

	for state, want := range map[string]float64{"init": 0, "waiting": 0, "done": 1} {
		m := find(t, "gareplay_replay_state", map[string]string{"state": state})
		require.NotNil(t, m, state)
		assert.Equal(t, want, m.GetGauge().GetValue(), state)
	}
}

func TestMinuteLagClampsEarlyStarts(t *testing.T) {
	EnableMetrics()
	GetMetrics().ObserveMinuteLag(-time.Second)
	m := find(t, "gareplay_minute_start_lag_seconds", nil)
	require.NotNil(t, m)
	assert.Zero(t, m.GetGauge().GetValue())

	GetMetrics().ObserveMinuteLag(1500 * time.Millisecond)
	m = find(t, "gareplay_minute_start_lag_seconds", nil)
	require.NotNil(t, m)
	assert.Equal(t, 1.5, m.GetGauge().GetValue())
}
