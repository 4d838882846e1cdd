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
	"sync"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/time/rate"
)

const limiterShards = 64

// HostLimiter caps the request rate per destination. Destinations are spread
// over shards by hash so unrelated hosts rarely contend on the same lock.
type HostLimiter struct {
	limit  rate.Limit
	burst  int
	shards [limiterShards]limiterShard
}

type limiterShard struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHostLimiter returns a limiter allowing perSecond requests per
// destination with the given burst. A non-positive rate returns nil, which
// is a valid limiter that never waits.
func NewHostLimiter(perSecond float64, burst int) *HostLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	l := &HostLimiter{limit: rate.Limit(perSecond), burst: burst}
	for i := range l.shards {
		l.shards[i].limiters = make(map[string]*rate.Limiter)
	}
	return l
}

func (l *HostLimiter) limiter(dest string) *rate.Limiter {
	shard := &l.shards[xxh3.HashString(dest)%limiterShards]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	lim, ok := shard.limiters[dest]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		shard.limiters[dest] = lim
	}
	return lim
}

// Wait blocks until a request to dest is allowed and returns how long it
// waited.
func (l *HostLimiter) Wait(ctx context.Context, dest string) (time.Duration, error) {
	if l == nil {
		return 0, nil
	}
	start := time.Now()
	err := l.limiter(dest).Wait(ctx)
	return time.Since(start), err
}

// Hosts returns the number of destinations seen so far.
func (l *HostLimiter) Hosts() int {
	if l == nil {
		return 0
	}
	n := 0
	for i := range l.shards {
		l.shards[i].mu.Lock()
		n += len(l.shards[i].limiters)
		l.shards[i].mu.Unlock()
	}
	return n
}
