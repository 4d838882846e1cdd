package core

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
	"strings"
	"sync"
	"time"

	"github.com/x-stp/gareplay/internal/dispatch"
	"github.com/x-stp/gareplay/internal/itinerary"
	"github.com/x-stp/gareplay/internal/metrics"
	"go.uber.org/zap"
)

// State is the replay scheduler's position in its state machine.
type State int

const (
	StateInit State = iota
	StateWaiting
	StateBucketDispatch
	StateAdvance
	StateDone
)

var stateNames = []string{"init", "waiting", "bucket_dispatch", "advance", "done"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// OffsetMode selects how the distance between two minute keys is measured.
type OffsetMode string

const (
	// OffsetOrdinal counts consumed keys. Gaps in the itinerary are not replayed.
	OffsetOrdinal OffsetMode = "ordinal"
	// OffsetWallclock uses the real minute-of-day distance, wrapping at midnight.
	OffsetWallclock OffsetMode = "wallclock"
)

// ParseOffsetMode accepts "ordinal" and "wallclock". Empty means ordinal.
func ParseOffsetMode(s string) (OffsetMode, error) {
	switch OffsetMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", OffsetOrdinal:
		return OffsetOrdinal, nil
	case OffsetWallclock:
		return OffsetWallclock, nil
	default:
		return "", fmt.Errorf("unknown offset mode %q", s)
	}
}

// Dispatcher issues one simulated pageview. Implementations must not block
// past ctx and must contain their own failures.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request)
}

// Anchor ties the first replayed minute key to a wall-clock instant. Every
// target time is derived from it.
type Anchor struct {
	WallStart      time.Time
	SimulatedStart itinerary.MinuteKey
}

// MinuteTarget returns the wall-clock start of the minute offset minutes
// after the anchor key.
func (a Anchor) MinuteTarget(offset int) time.Time {
	return a.WallStart.Add(time.Duration(offset) * SimulatedMinute)
}

// ReplayConfig holds the scheduler settings.
type ReplayConfig struct {
	// RequestBuckets is the number of sub-minute slices. Must be positive.
	RequestBuckets int
	// Resume, when set, is the HHMM key the replay starts from.
	Resume     string
	OffsetMode OffsetMode
}

// Progress is a point-in-time snapshot of a running replay.
type Progress struct {
	State        State
	Key          itinerary.MinuteKey
	Bucket       int
	MinutesDone  int
	MinutesTotal int
	Dispatched   int64
	LastLag      time.Duration
}

// Summary describes a finished (or cancelled) replay.
type Summary struct {
	Anchor     Anchor
	FirstKey   itinerary.MinuteKey
	LastKey    itinerary.MinuteKey
	Minutes    int
	Buckets    int
	Dispatched int64
	MaxLag     time.Duration
	Started    time.Time
	Finished   time.Time
}

// Replayer walks an itinerary in wall-clock time and fans every pageview out
// to a Dispatcher, one bucket at a time.
type Replayer struct {
	it         *itinerary.Itinerary
	cfg        ReplayConfig
	dispatcher Dispatcher
	clock      Clock
	pool       *WorkerPool
	logger     *zap.Logger

	mu       sync.Mutex
	progress Progress
}

// ReplayOption customises a Replayer.
type ReplayOption func(*Replayer)

// WithClock replaces the wall clock.
func WithClock(c Clock) ReplayOption {
	return func(r *Replayer) { r.clock = c }
}

// WithPool sets the worker pool used for dispatch fan-out. The caller keeps
// ownership and shuts it down.
func WithPool(p *WorkerPool) ReplayOption {
	return func(r *Replayer) { r.pool = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ReplayOption {
	return func(r *Replayer) { r.logger = l }
}

// NewReplayer validates cfg and returns a Replayer for it.
func NewReplayer(it *itinerary.Itinerary, d Dispatcher, cfg ReplayConfig, opts ...ReplayOption) (*Replayer, error) {
	if it == nil {
		return nil, fmt.Errorf("replayer needs an itinerary")
	}
	if d == nil {
		return nil, fmt.Errorf("replayer needs a dispatcher")
	}
	if cfg.RequestBuckets <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBuckets, cfg.RequestBuckets)
	}
	mode, err := ParseOffsetMode(string(cfg.OffsetMode))
	if err != nil {
		return nil, err
	}
	cfg.OffsetMode = mode

	r := &Replayer{
		it:         it,
		cfg:        cfg,
		dispatcher: d,
		clock:      RealClock{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r, nil
}

// Plan returns the keys the replay will visit, starting at the resume key
// when one is configured. A resume key absent from the itinerary is an error;
// the replay never falls back to the first key.
func (r *Replayer) Plan() ([]itinerary.MinuteKey, error) {
	keys := r.it.Keys()
	if r.cfg.Resume == "" {
		return keys, nil
	}
	start, err := itinerary.ParseMinuteKey(r.cfg.Resume)
	if err != nil {
		return nil, fmt.Errorf("invalid resume point: %w", err)
	}
	idx := r.it.Index(start)
	if idx < 0 {
		return nil, &ResumePointNotFoundError{Key: start}
	}
	return keys[idx:], nil
}

// Offsets returns the minute offset of every key relative to keys[0].
func Offsets(keys []itinerary.MinuteKey, mode OffsetMode) []int {
	out := make([]int, len(keys))
	if mode != OffsetWallclock {
		for i := range keys {
			out[i] = i
		}
		return out
	}
	days := 0
	for i, k := range keys {
		if i > 0 && k.MinuteOfDay() <= keys[i-1].MinuteOfDay() {
			days++
		}
		out[i] = days*itinerary.MinutesPerDay + k.MinuteOfDay() - keys[0].MinuteOfDay()
	}
	return out
}

// Progress returns a snapshot of the replay state.
func (r *Replayer) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *Replayer) setState(s State, key itinerary.MinuteKey, bucket int) {
	r.mu.Lock()
	r.progress.State = s
	r.progress.Key = key
	r.progress.Bucket = bucket
	r.mu.Unlock()
	metrics.GetMetrics().SetReplayState(s.String(), stateNames)
}

// Run replays the itinerary until every planned key has been dispatched or
// ctx is cancelled. A cancelled run returns ErrReplayCancelled after the
// in-flight bucket has been joined.
func (r *Replayer) Run(ctx context.Context) (Summary, error) {
	keys, err := r.Plan()
	if err != nil {
		return Summary{}, err
	}
	r.mu.Lock()
	r.progress = Progress{MinutesTotal: len(keys)}
	r.mu.Unlock()

	if len(keys) == 0 {
		r.setState(StateDone, itinerary.MinuteKey{}, 0)
		r.logger.Info("itinerary is empty, nothing to replay")
		return Summary{}, nil
	}

	pool := r.pool
	if pool == nil {
		pool, err = NewWorkerPool(PoolOptions{Workers: DefaultConcurrency, Logger: r.logger})
		if err != nil {
			return Summary{}, err
		}
		defer pool.Shutdown()
	}

	r.setState(StateInit, keys[0], 0)
	anchor := Anchor{WallStart: r.clock.Now(), SimulatedStart: keys[0]}
	offsets := Offsets(keys, r.cfg.OffsetMode)
	sum := Summary{
		Anchor:   anchor,
		FirstKey: keys[0],
		Started:  anchor.WallStart,
	}
	r.logger.Info("replay started",
		zap.Stringer("first_key", keys[0]),
		zap.Stringer("last_key", keys[len(keys)-1]),
		zap.Int("minutes", len(keys)),
		zap.Int("request_buckets", r.cfg.RequestBuckets),
		zap.String("offset_mode", string(r.cfg.OffsetMode)))

	finish := func(err error) (Summary, error) {
		sum.Finished = r.clock.Now()
		if err != nil {
			return sum, err
		}
		r.setState(StateDone, sum.LastKey, 0)
		r.logger.Info("replay finished",
			zap.Int("minutes", sum.Minutes),
			zap.Int64("dispatched", sum.Dispatched),
			zap.Duration("max_lag", sum.MaxLag))
		return sum, nil
	}
	cancelled := func() (Summary, error) {
		r.logger.Warn("replay cancelled",
			zap.Stringer("key", r.Progress().Key),
			zap.Int64("dispatched", sum.Dispatched))
		return finish(fmt.Errorf("%w: %w", ErrReplayCancelled, ctx.Err()))
	}

	bucketWidth := SimulatedMinute / time.Duration(r.cfg.RequestBuckets)
	for i, key := range keys {
		target := anchor.MinuteTarget(offsets[i])

		r.setState(StateWaiting, key, 0)
		if err := r.clock.SleepUntil(ctx, target); err != nil {
			return cancelled()
		}
		lag := r.clock.Now().Sub(target)
		if lag > sum.MaxLag {
			sum.MaxLag = lag
		}
		metrics.GetMetrics().ObserveMinuteLag(lag)
		r.mu.Lock()
		r.progress.LastLag = lag
		r.mu.Unlock()
		r.logger.Debug("minute started",
			zap.Stringer("key", key),
			zap.Time("target", target),
			zap.Duration("lag", lag))

		units := expand(key, r.it.Rows(key))
		for b, bucket := range Buckets(units, r.cfg.RequestBuckets) {
			if b > 0 {
				r.setState(StateWaiting, key, b)
				if err := r.clock.SleepUntil(ctx, target.Add(time.Duration(b)*bucketWidth)); err != nil {
					return cancelled()
				}
			}
			r.setState(StateBucketDispatch, key, b)
			n, err := r.dispatchBucket(ctx, pool, b, bucket)
			sum.Dispatched += n
			sum.Buckets++
			r.mu.Lock()
			r.progress.Dispatched = sum.Dispatched
			r.mu.Unlock()
			if metrics.IsMetricsEnabled() {
				metrics.GetMetrics().BucketsDispatched.Inc()
			}
			if err != nil {
				return finish(fmt.Errorf("bucket %d of minute %s: %w", b, key, err))
			}
			if ctx.Err() != nil {
				return cancelled()
			}
		}

		r.setState(StateAdvance, key, 0)
		sum.Minutes++
		sum.LastKey = key
		r.mu.Lock()
		r.progress.MinutesDone = sum.Minutes
		r.mu.Unlock()
		if metrics.IsMetricsEnabled() {
			metrics.GetMetrics().MinutesCompleted.Inc()
		}
	}
	return finish(nil)
}

// dispatchBucket issues every request of the bucket concurrently and joins
// them. Submission stops early when ctx is cancelled; already submitted
// requests are still joined.
func (r *Replayer) dispatchBucket(ctx context.Context, pool *WorkerPool, bucket int, reqs []dispatch.Request) (int64, error) {
	batch := pool.NewBatch()
	var submitErr error
	for i := range reqs {
		if ctx.Err() != nil {
			break
		}
		req := reqs[i]
		req.Bucket = bucket
		if err := batch.Go(func() { r.dispatcher.Dispatch(ctx, req) }); err != nil {
			submitErr = err
			break
		}
	}
	batch.Wait()
	return int64(batch.Len()), submitErr
}

// expand turns a minute's rows into one request per pageview, in row order.
func expand(key itinerary.MinuteKey, rows []itinerary.Row) []dispatch.Request {
	total := 0
	for _, row := range rows {
		total += row.Pageviews
	}
	out := make([]dispatch.Request, 0, total)
	for _, row := range rows {
		for p := 0; p < row.Pageviews; p++ {
			out = append(out, dispatch.Request{
				Destination: row.Destination,
				Path:        row.Path,
				Extra:       row.Extra,
				Key:         key,
				Seq:         len(out),
			})
		}
	}
	return out
}
