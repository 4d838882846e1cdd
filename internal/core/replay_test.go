package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/gareplay/internal/dispatch"
	"github.com/x-stp/gareplay/internal/itinerary"
)

// fakeClock jumps straight to the requested deadline instead of sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) SleepUntil(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if t.After(c.now) {
		c.now = t
	}
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type dispatched struct {
	req dispatch.Request
	at  time.Time
}

// recorder is a Dispatcher that remembers every request and when it was issued.
type recorder struct {
	mu    sync.Mutex
	clock Clock
	calls []dispatched
	hook  func(req dispatch.Request)
}

func (r *recorder) Dispatch(_ context.Context, req dispatch.Request) {
	r.mu.Lock()
	r.calls = append(r.calls, dispatched{req: req, at: r.clock.Now()})
	r.mu.Unlock()
	if r.hook != nil {
		r.hook(req)
	}
}

func (r *recorder) all() []dispatched {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatched(nil), r.calls...)
}

func (r *recorder) keys() []string {
	var out []string
	for _, c := range r.all() {
		k := c.req.Key.String()
		if len(out) == 0 || out[len(out)-1] != k {
			out = append(out, k)
		}
	}
	return out
}

func mustRead(t *testing.T, lines ...string) *itinerary.Itinerary {
	t.Helper()
	it, err := itinerary.Read(strings.NewReader(strings.Join(lines, "\n")))
	require.NoError(t, err)
	return it
}

func newTestReplayer(t *testing.T, it *itinerary.Itinerary, cfg ReplayConfig, clock *fakeClock, rec *recorder) *Replayer {
	t.Helper()
	pool, err := NewWorkerPool(PoolOptions{Workers: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Shutdown)

	r, err := NewReplayer(it, rec, cfg, WithClock(clock), WithPool(pool))
	require.NoError(t, err)
	return r
}

func TestReplayThreePageviewsTwoBuckets(t *testing.T) {
	t.Parallel()
	it := mustRead(t,
		"09,05,a.com,/x,3",
		"09,06,a.com,/y,0",
	)
	clock := newFakeClock()
	rec := &recorder{clock: clock}
	start := clock.Now()

	r := newTestReplayer(t, it, ReplayConfig{RequestBuckets: 2}, clock, rec)
	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	calls := rec.all()
	require.Len(t, calls, 3)
	perBucket := map[int]int{}
	for _, c := range calls {
		assert.Equal(t, "/x", c.req.Path)
		assert.Equal(t, "a.com", c.req.Destination)
		assert.Empty(t, c.req.Extra)
		assert.Equal(t, start.Add(time.Duration(c.req.Bucket)*30*time.Second), c.at)
		perBucket[c.req.Bucket]++
	}
	assert.Equal(t, map[int]int{0: 2, 1: 1}, perBucket)

	assert.EqualValues(t, 3, sum.Dispatched)
	assert.Equal(t, 2, sum.Minutes)
	assert.Equal(t, 4, sum.Buckets)
	assert.Equal(t, StateDone, r.Progress().State)
	// 0906 is empty but still occupies its minute.
	assert.Equal(t, start.Add(time.Minute+30*time.Second), clock.Now())
}

func TestReplayEmptyItinerary(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	rec := &recorder{clock: clock}
	start := clock.Now()

	r := newTestReplayer(t, itinerary.New(), ReplayConfig{RequestBuckets: 6}, clock, rec)
	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Dispatched)
	assert.Empty(t, rec.all())
	assert.Equal(t, StateDone, r.Progress().State)
	assert.Equal(t, start, clock.Now())
}

func TestReplayResumeFromKey(t *testing.T) {
	t.Parallel()
	it := mustRead(t,
		"09,00,a.com,/a,1",
		"09,01,a.com,/b,1",
		"09,02,a.com,/c,2",
		"09,03,a.com,/d,1",
		"09,10,a.com,/e,1",
	)
	clock := newFakeClock()
	rec := &recorder{clock: clock}
	start := clock.Now()

	r := newTestReplayer(t, it, ReplayConfig{RequestBuckets: 1, Resume: "0902"}, clock, rec)
	plan, err := r.Plan()
	require.NoError(t, err)
	require.Len(t, plan, 3)

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0902", "0903", "0910"}, rec.keys())
	assert.Equal(t, "0902", sum.Anchor.SimulatedStart.String())
	assert.EqualValues(t, 4, sum.Dispatched)

	// Ordinal offsets: the gap between 0903 and 0910 is a single minute.
	for _, c := range rec.all() {
		switch c.req.Key.String() {
		case "0902":
			assert.Equal(t, start, c.at)
		case "0903":
			assert.Equal(t, start.Add(time.Minute), c.at)
		case "0910":
			assert.Equal(t, start.Add(2*time.Minute), c.at)
		}
	}
}

func TestReplayResumePointNotFound(t *testing.T) {
	t.Parallel()
	it := mustRead(t, "09,00,a.com,/a,1", "09,01,a.com,/b,1")
	clock := newFakeClock()
	rec := &recorder{clock: clock}

	r := newTestReplayer(t, it, ReplayConfig{RequestBuckets: 2, Resume: "1200"}, clock, rec)
	_, err := r.Run(context.Background())

	var notFound *ResumePointNotFoundError
	require.True(t, errors.As(err, &notFound), "got %v", err)
	assert.Equal(t, "1200", notFound.Key.String())
	assert.Empty(t, rec.all())
}

func TestReplayInvalidResumePoint(t *testing.T) {
	t.Parallel()
	it := mustRead(t, "09,00,a.com,/a,1")
	clock := newFakeClock()
	rec := &recorder{clock: clock}

	r := newTestReplayer(t, it, ReplayConfig{RequestBuckets: 2, Resume: "9x"}, clock, rec)
	_, err := r.Run(context.Background())
	assert.ErrorIs(t, err, itinerary.ErrInvalidMinuteKey)
	assert.Empty(t, rec.all())
}

// Every minute's dispatches take most of each bucket, yet minute k still
// starts exactly at anchor + k minutes.
func TestReplayDriftStaysBounded(t *testing.T) {
	t.Parallel()
	var lines []string
	for i := 0; i < 90; i++ {
		lines = append(lines, fmt.Sprintf("%02d,%02d,a.com,/p%d,6", 10+i/60, i%60, i))
	}
	it := mustRead(t, lines...)
	clock := newFakeClock()
	rec := &recorder{clock: clock}
	// Six buckets of ten seconds, each with one dispatch taking nine seconds.
	rec.hook = func(dispatch.Request) { clock.Advance(9 * time.Second) }
	start := clock.Now()

	r := newTestReplayer(t, it, ReplayConfig{RequestBuckets: 6}, clock, rec)
	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 90*6, sum.Dispatched)

	bucketWidth := 10 * time.Second
	for _, c := range rec.all() {
		if c.req.Bucket != 0 {
			continue
		}
		idx := it.Index(c.req.Key)
		want := start.Add(time.Duration(idx) * time.Minute)
		drift := c.at.Sub(want)
		assert.GreaterOrEqual(t, drift, time.Duration(0))
		assert.Less(t, drift, bucketWidth, "minute %s drifted %s", c.req.Key, drift)
	}
}

// A minute that overruns delays only the next minute; later minutes are back
// on the anchored schedule.
func TestReplayResyncsAfterOverrun(t *testing.T) {
	t.Parallel()
	var lines []string
	for i := 0; i < 6; i++ {
		lines = append(lines, fmt.Sprintf("09,%02d,a.com,/p,1", i))
	}
	it := mustRead(t, lines...)
	clock := newFakeClock()
	rec := &recorder{clock: clock}
	rec.hook = func(req dispatch.Request) {
		if req.Key.Minute == 2 {
			clock.Advance(90 * time.Second)
		}
	}
	start := clock.Now()

	r := newTestReplayer(t, it, ReplayConfig{RequestBuckets: 1}, clock, rec)
	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, sum.MaxLag)

	at := map[int]time.Time{}
	for _, c := range rec.all() {
		at[c.req.Key.Minute] = c.at
	}
	assert.Equal(t, start.Add(2*time.Minute), at[2])
	assert.Equal(t, start.Add(3*time.Minute+30*time.Second), at[3])
	assert.Equal(t, start.Add(4*time.Minute), at[4])
	assert.Equal(t, start.Add(5*time.Minute), at[5])
}

func TestReplayCancellation(t *testing.T) {
	t.Parallel()
	it := mustRead(t,
		"09,00,a.com,/a,1",
		"09,01,a.com,/b,1",
		"09,02,a.com,/c,1",
	)
	clock := newFakeClock()
	rec := &recorder{clock: clock}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.hook = func(dispatch.Request) { cancel() }

	r := newTestReplayer(t, it, ReplayConfig{RequestBuckets: 3}, clock, rec)
	sum, err := r.Run(ctx)
	require.ErrorIs(t, err, ErrReplayCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"0900"}, rec.keys())
	assert.EqualValues(t, 1, sum.Dispatched)
	assert.Zero(t, sum.Minutes)
}

func TestReplayCompletesThroughFailingDispatcher(t *testing.T) {
	t.Parallel()
	it := mustRead(t,
		"09,00,a.com,/ok,4",
		"09,00,a.com,/fail,2",
		"09,01,b.com,/boom,3",
		"09,01,b.com,/ok,1",
		"09,02,a.com,/fail,1",
	)
	action := func(_ context.Context, req dispatch.Request) error {
		switch req.Path {
		case "/boom":
			panic("action blew up")
		case "/fail":
			return errors.New("connection refused")
		}
		return nil
	}
	d := dispatch.NewDispatcher(action, dispatch.Options{ActionName: "test"})

	clock := newFakeClock()
	pool, err := NewWorkerPool(PoolOptions{Workers: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Shutdown)
	r, err := NewReplayer(it, d, ReplayConfig{RequestBuckets: 3}, WithClock(clock), WithPool(pool))
	require.NoError(t, err)

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 11, sum.Dispatched)
	assert.Equal(t, 3, sum.Minutes)
	assert.Equal(t, StateDone, r.Progress().State)

	snap := d.Snapshot()
	assert.EqualValues(t, 11, snap.Total)
	assert.EqualValues(t, 5, snap.Succeeded)
	assert.EqualValues(t, 6, snap.Failed)
	assert.EqualValues(t, 3, snap.Panics)
	assert.Equal(t, dispatch.DestinationStats{Total: 7, Failed: 3}, snap.PerDestination["a.com"])
	assert.Equal(t, dispatch.DestinationStats{Total: 4, Failed: 3}, snap.PerDestination["b.com"])
}

func TestReplayWallclockOffsets(t *testing.T) {
	t.Parallel()
	it := mustRead(t,
		"23,58,a.com,/a,1",
		"23,59,a.com,/b,1",
		"00,01,a.com,/c,1",
	)
	clock := newFakeClock()
	rec := &recorder{clock: clock}
	start := clock.Now()

	r := newTestReplayer(t, it, ReplayConfig{RequestBuckets: 1, OffsetMode: OffsetWallclock}, clock, rec)
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	calls := rec.all()
	require.Len(t, calls, 3)
	assert.Equal(t, start, calls[0].at)
	assert.Equal(t, start.Add(time.Minute), calls[1].at)
	assert.Equal(t, start.Add(3*time.Minute), calls[2].at)
}

func TestOffsets(t *testing.T) {
	t.Parallel()
	keys := []itinerary.MinuteKey{{Hour: 9, Minute: 0}, {Hour: 9, Minute: 30}, {Hour: 11, Minute: 0}}
	assert.Equal(t, []int{0, 1, 2}, Offsets(keys, OffsetOrdinal))
	assert.Equal(t, []int{0, 30, 120}, Offsets(keys, OffsetWallclock))
	assert.Empty(t, Offsets(nil, OffsetWallclock))
}

func TestNewReplayerValidation(t *testing.T) {
	t.Parallel()
	rec := &recorder{clock: RealClock{}}
	_, err := NewReplayer(itinerary.New(), rec, ReplayConfig{RequestBuckets: 0})
	assert.ErrorIs(t, err, ErrInvalidBuckets)

	_, err = NewReplayer(itinerary.New(), rec, ReplayConfig{RequestBuckets: 2, OffsetMode: "lunar"})
	assert.Error(t, err)

	_, err = NewReplayer(nil, rec, ReplayConfig{RequestBuckets: 2})
	assert.Error(t, err)
}

func TestParseOffsetMode(t *testing.T) {
	t.Parallel()
	m, err := ParseOffsetMode("")
	require.NoError(t, err)
	assert.Equal(t, OffsetOrdinal, m)
	m, err = ParseOffsetMode("WallClock")
	require.NoError(t, err)
	assert.Equal(t, OffsetWallclock, m)
	_, err = ParseOffsetMode("fast")
	assert.Error(t, err)
}

func TestRealClockSleepUntil(t *testing.T) {
	t.Parallel()
	var c RealClock
	assert.NoError(t, c.SleepUntil(context.Background(), time.Now().Add(-time.Second)))
	assert.NoError(t, c.SleepUntil(context.Background(), time.Now().Add(5*time.Millisecond)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.SleepUntil(ctx, time.Now().Add(time.Hour)), context.Canceled)
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "bucket_dispatch", StateBucketDispatch.String())
	assert.Equal(t, "state(42)", State(42).String())
}
