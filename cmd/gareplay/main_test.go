package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/gareplay/internal/config"
	"github.com/x-stp/gareplay/internal/core"
	"github.com/x-stp/gareplay/internal/dispatch"
	"github.com/x-stp/gareplay/internal/itinerary"
)

func TestParseFetchArgs(t *testing.T) {
	sites, start, end, err := parseFetchArgs([]string{"a.com,b.com", "c.com", "a.com", "01-03-2024", "02-03-2024"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.com", "b.com", "c.com"}, sites)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), end)

	for name, args := range map[string][]string{
		"too few":       {"a.com", "01-03-2024"},
		"bad start":     {"a.com", "2024-03-01", "02-03-2024"},
		"bad end":       {"a.com", "01-03-2024", "32-03-2024"},
		"end first":     {"a.com", "02-03-2024", "01-03-2024"},
		"no real sites": {" , ", "01-03-2024", "02-03-2024"},
	} {
		_, _, _, err := parseFetchArgs(args)
		assert.Error(t, err, name)
	}
}

func TestCleanDimensions(t *testing.T) {
	assert.Nil(t, cleanDimensions(nil))
	assert.Nil(t, cleanDimensions([]string{""}))
	assert.Equal(t, []string{"ga:fullReferrer", "ga:deviceCategory"},
		cleanDimensions([]string{" ga:fullReferrer", "deviceCategory", " "}))
}

func TestInspect(t *testing.T) {
	it := itinerary.FromRows([]itinerary.Row{
		{Hour: 9, Minute: 5, Destination: "a.com", Path: "/", Pageviews: 3},
		{Hour: 9, Minute: 6, Destination: "b.com", Path: "/x", Pageviews: 4},
		{Hour: 9, Minute: 6, Destination: "a.com", Path: "/y", Pageviews: 1},
		{Hour: 9, Minute: 7, Destination: "a.com", Path: "/", Pageviews: 5},
	})
	in := inspect(it)
	assert.Equal(t, 3, in.Minutes)
	assert.Equal(t, 4, in.Rows)
	assert.EqualValues(t, 13, in.Pageviews)
	assert.Equal(t, 2, in.Destinations)
	assert.Equal(t, "0905", in.First.String())
	assert.Equal(t, "0907", in.Last.String())
	// 0906 and 0907 both total 5; the earlier minute wins.
	assert.Equal(t, "0906", in.Peak.String())
	assert.EqualValues(t, 5, in.PeakPageviews)

	assert.Equal(t, inspection{}, inspect(itinerary.New()))
}

func TestRunInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "it.csv")
	require.NoError(t, os.WriteFile(path, []byte("9,5,a.com,/,3\n9,6,a.com,/x,0\n"), 0o644))

	var out bytes.Buffer
	require.NoError(t, runInspect(&out, path))
	assert.Contains(t, out.String(), "Minutes: 2")
	assert.Contains(t, out.String(), "Peak Minute: 0905 (3 pageviews)")

	assert.Error(t, runInspect(&out, filepath.Join(t.TempDir(), "missing.csv")))
}

func TestApplyFlagOverrides(t *testing.T) {
	require.NoError(t, replayCmd.ParseFlags([]string{"--buckets", "3", "--action", "simple", "--host-rate", "2.5"}))

	c := &config.Configuration{RequestBuckets: 6, Action: "dummy", Concurrency: 64, Scheme: "https"}
	applyFlagOverrides(replayCmd, c)
	assert.Equal(t, 3, c.RequestBuckets)
	assert.Equal(t, "simple", c.Action)
	assert.Equal(t, 2.5, c.HostRateLimit)
	// Flags left alone keep the environment's values.
	assert.Equal(t, 64, c.Concurrency)
	assert.Equal(t, "https", c.Scheme)
}

func TestReplayFlagDefaultsMatchConfiguration(t *testing.T) {
	flags := replayCmd.Flags()
	assert.Equal(t, strconv.Itoa(core.DefaultRequestBuckets), flags.Lookup("buckets").DefValue)
	assert.Equal(t, strconv.Itoa(core.DefaultConcurrency), flags.Lookup("concurrency").DefValue)

	c, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, core.DefaultRequestBuckets, c.RequestBuckets)
	assert.Equal(t, core.DefaultConcurrency, c.Concurrency)
}

func TestHostBurst(t *testing.T) {
	assert.Equal(t, 1, hostBurst(0))
	assert.Equal(t, 1, hostBurst(0.5))
	assert.Equal(t, 3, hostBurst(2.5))
}

func TestProgressLine(t *testing.T) {
	line := progressLine(core.Progress{
		State:        core.StateBucketDispatch,
		Key:          itinerary.MinuteKey{Hour: 23, Minute: 59},
		Bucket:       1,
		MinutesDone:  1,
		MinutesTotal: 4,
		LastLag:      1500 * time.Microsecond,
	}, dispatch.Snapshot{Total: 10, Failed: 2, RatePerSecond: 4}, 6)
	assert.True(t, strings.HasPrefix(line, "Minute 2359 [bucket_dispatch] bucket 2/6"), line)
	assert.Contains(t, line, "Minutes: 1/4 (25.0%)")
	assert.Contains(t, line, "Dispatched: 10 | Failed: 2")
}

func TestDisplayFinalReplayStats(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	displayFinalReplayStats(&out, core.Summary{
		FirstKey: itinerary.MinuteKey{Hour: 9, Minute: 5},
		LastKey:  itinerary.MinuteKey{Hour: 9, Minute: 6},
		Minutes:  2,
		Buckets:  4,
		Started:  start,
		Finished: start.Add(90 * time.Second),
	}, dispatch.Snapshot{
		Total:     3,
		Succeeded: 3,
		PerDestination: map[string]dispatch.DestinationStats{
			"a.com": {Total: 3},
		},
	})
	got := out.String()
	assert.Contains(t, got, "Replay Time: 1m30s")
	assert.Contains(t, got, "Minutes: 2 (0905 - 0906)")
	assert.Contains(t, got, "a.com")
}
