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
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/x-stp/gareplay/internal/metrics"
	"go.uber.org/zap"
)

// task is one queued dispatch. Tasks are pooled via sync.Pool to keep the
// per-pageview hot path free of allocations.
type task struct {
	fn    func()
	batch *Batch
}

// PoolOptions configures a WorkerPool.
type PoolOptions struct {
	// Workers is the number of dispatch goroutines. Zero starts one goroutine
	// per submitted task instead of a fixed pool.
	Workers int
	// PinWorkers binds each worker to a CPU core (Linux only, best effort).
	PinWorkers bool
	Logger     *zap.Logger
}

// WorkerPool bounds the fan-out of dispatches. Work is grouped in Batches so
// the replay scheduler can join all dispatches of one bucket before moving on.
type WorkerPool struct {
	numWorkers int
	queue      chan *task
	taskPool   sync.Pool
	logger     *zap.Logger
	pin        bool

	mu       sync.RWMutex // held for reading while submitting, for writing on shutdown
	shutdown bool
	workers  sync.WaitGroup

	busy   atomic.Int64
	panics atomic.Int64
}

// NewWorkerPool creates and starts a worker pool.
func NewWorkerPool(opts PoolOptions) (*WorkerPool, error) {
	if opts.Workers < 0 {
		return nil, fmt.Errorf("worker count must not be negative, got %d", opts.Workers)
	}
	if opts.Workers > MaxWorkers {
		return nil, fmt.Errorf("worker count %d exceeds maximum of %d", opts.Workers, MaxWorkers)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &WorkerPool{
		numWorkers: opts.Workers,
		logger:     logger,
		pin:        opts.PinWorkers,
		taskPool: sync.Pool{
			New: func() interface{} {
				return &task{}
			},
		},
	}
	if p.numWorkers == 0 {
		logger.Debug("worker pool running unbounded")
		return p, nil
	}

	p.queue = make(chan *task, WorkerQueueCapacity)
	for i := 0; i < p.numWorkers; i++ {
		p.workers.Add(1)
		go p.run(i, i%runtime.NumCPU())
	}
	logger.Debug("worker pool started",
		zap.Int("workers", p.numWorkers),
		zap.Bool("pinned", p.pin))
	return p, nil
}

// Workers returns the configured worker count. Zero means unbounded.
func (p *WorkerPool) Workers() int { return p.numWorkers }

// Busy returns the number of tasks currently executing.
func (p *WorkerPool) Busy() int64 { return p.busy.Load() }

// Panics returns the number of recovered task panics.
func (p *WorkerPool) Panics() int64 { return p.panics.Load() }

func (p *WorkerPool) run(id, cpu int) {
	defer p.workers.Done()
	if p.pin {
		setAffinity(p.logger, id, cpu)
	}
	for t := range p.queue {
		metrics.GetMetrics().UpdatePoolMetrics(len(p.queue))
		p.execute(t.fn, t.batch, id)
		t.fn = nil
		t.batch = nil
		p.taskPool.Put(t)
	}
}

func (p *WorkerPool) execute(fn func(), b *Batch, workerID int) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			if metrics.IsMetricsEnabled() {
				metrics.GetMetrics().WorkerPanics.Inc()
			}
			p.logger.Error("panic recovered in dispatch worker",
				zap.Int("worker", workerID),
				zap.Any("panic", r))
		}
	}()

	p.busy.Add(1)
	defer p.busy.Add(-1)
	if metrics.IsMetricsEnabled() {
		m := metrics.GetMetrics()
		m.WorkerBusy.Inc()
		defer m.WorkerBusy.Dec()
	}
	fn()
}

// Shutdown stops accepting work, lets queued tasks finish and waits for the
// workers to exit. It is safe to call more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.shutdown {
		p.shutdown = true
		if p.queue != nil {
			close(p.queue)
		}
	}
	p.mu.Unlock()
	p.workers.Wait()
}

// NewBatch returns an empty batch bound to the pool.
func (p *WorkerPool) NewBatch() *Batch {
	return &Batch{pool: p}
}

// Batch is a group of tasks that can be joined as a unit.
type Batch struct {
	pool *WorkerPool
	wg   sync.WaitGroup
	n    int
}

// Go submits fn. It blocks while the pool queue is full and returns
// ErrPoolShutdown once the pool has been shut down.
func (b *Batch) Go(fn func()) error {
	p := b.pool
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.shutdown {
		return ErrPoolShutdown
	}

	b.wg.Add(1)
	b.n++
	if p.numWorkers == 0 {
		go p.execute(fn, b, -1)
		return nil
	}

	t := p.taskPool.Get().(*task)
	t.fn = fn
	t.batch = b
	p.queue <- t
	return nil
}

// Len returns the number of tasks submitted to the batch.
func (b *Batch) Len() int { return b.n }

// Wait blocks until every task submitted to the batch has returned.
func (b *Batch) Wait() {
	b.wg.Wait()
}
