package io

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
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultBufferSize is the default buffer size for disk I/O
	DefaultBufferSize = 256 * 1024 // 256KB

	// FlushInterval is how often to flush buffers automatically
	FlushInterval = 2 * time.Second

	// tmpSuffix marks files that are still being written.
	tmpSuffix = ".tmp"
)

var (
	// ErrBufferClosed is returned when attempting to write to a closed buffer
	ErrBufferClosed = errors.New("write buffer closed")
)

// BufferMetrics holds metrics for a buffer
type BufferMetrics struct {
	BytesWritten  atomic.Int64
	FlushCount    atomic.Int64
	WriteCount    atomic.Int64
	ErrorCount    atomic.Int64
	LastFlushTime atomic.Int64 // Unix timestamp in nanoseconds
}

// AsyncBuffer is a buffered file writer with periodic background flushing.
// Data goes to "<path>.tmp" and is renamed to path on Close, so readers never
// observe a half written file.
type AsyncBuffer struct {
	file      *os.File
	gzWriter  *gzip.Writer
	bufWriter *bufio.Writer
	tmpPath   string
	finalPath string

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	metrics BufferMetrics
}

// AsyncBufferOptions configures an AsyncBuffer
type AsyncBufferOptions struct {
	BufferSize    int
	FlushInterval time.Duration
	Compressed    bool
}

// DefaultAsyncBufferOptions returns the default options for AsyncBuffer
func DefaultAsyncBufferOptions() *AsyncBufferOptions {
	return &AsyncBufferOptions{
		BufferSize:    DefaultBufferSize,
		FlushInterval: FlushInterval,
		Compressed:    false,
	}
}

// NewAsyncBuffer creates the parent directory and the temporary file for path.
func NewAsyncBuffer(ctx context.Context, path string, options *AsyncBufferOptions) (*AsyncBuffer, error) {
	if options == nil {
		options = DefaultAsyncBufferOptions()
	}
	if options.BufferSize <= 0 {
		options.BufferSize = DefaultBufferSize
	}
	if options.FlushInterval <= 0 {
		options.FlushInterval = FlushInterval
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp := path + tmpSuffix
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", tmp, err)
	}

	bufCtx, bufCancel := context.WithCancel(ctx)
	ab := &AsyncBuffer{
		file:      file,
		tmpPath:   tmp,
		finalPath: path,
		ctx:       bufCtx,
		cancel:    bufCancel,
		done:      make(chan struct{}),
	}

	if options.Compressed {
		gzw, err := gzip.NewWriterLevel(file, gzip.BestSpeed)
		if err != nil {
			file.Close()
			bufCancel()
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		ab.gzWriter = gzw
		ab.bufWriter = bufio.NewWriterSize(gzw, options.BufferSize)
	} else {
		ab.bufWriter = bufio.NewWriterSize(file, options.BufferSize)
	}

	go ab.backgroundFlusher(options.FlushInterval)
	return ab, nil
}

func (ab *AsyncBuffer) backgroundFlusher(interval time.Duration) {
	defer close(ab.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ab.Flush(); err != nil && !errors.Is(err, ErrBufferClosed) {
				ab.metrics.ErrorCount.Add(1)
			}
		case <-ab.ctx.Done():
			return
		}
	}
}

// Write appends data to the buffer. Safe for concurrent use.
func (ab *AsyncBuffer) Write(data []byte) (int, error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if ab.closed {
		return 0, ErrBufferClosed
	}
	n, err := ab.bufWriter.Write(data)
	if err != nil {
		ab.metrics.ErrorCount.Add(1)
		return n, fmt.Errorf("failed to write to buffer: %w", err)
	}
	ab.metrics.BytesWritten.Add(int64(n))
	ab.metrics.WriteCount.Add(1)
	return n, nil
}

// Flush pushes buffered data to the temporary file.
func (ab *AsyncBuffer) Flush() error {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if ab.closed {
		return ErrBufferClosed
	}
	return ab.flushLocked()
}

func (ab *AsyncBuffer) flushLocked() error {
	if err := ab.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	if ab.gzWriter != nil {
		if err := ab.gzWriter.Flush(); err != nil {
			return fmt.Errorf("failed to flush gzip writer: %w", err)
		}
	}
	ab.metrics.FlushCount.Add(1)
	ab.metrics.LastFlushTime.Store(time.Now().UnixNano())
	return nil
}

// Close flushes everything, closes the file and renames it into place.
// Close still finalizes the file if the parent context was already cancelled.
func (ab *AsyncBuffer) Close() error {
	ab.mu.Lock()
	if ab.closed {
		ab.mu.Unlock()
		return nil
	}
	ab.closed = true
	ab.mu.Unlock()

	ab.cancel()
	<-ab.done

	ab.mu.Lock()
	defer ab.mu.Unlock()

	if err := ab.flushLocked(); err != nil {
		ab.file.Close()
		return err
	}
	if ab.gzWriter != nil {
		if err := ab.gzWriter.Close(); err != nil {
			ab.file.Close()
			return fmt.Errorf("failed to close gzip writer: %w", err)
		}
	}
	if err := ab.file.Sync(); err != nil {
		ab.file.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := ab.file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(ab.tmpPath, ab.finalPath); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", ab.tmpPath, ab.finalPath, err)
	}
	return nil
}

// Abort closes the buffer and removes the temporary file without publishing it.
func (ab *AsyncBuffer) Abort() error {
	ab.mu.Lock()
	if ab.closed {
		ab.mu.Unlock()
		return nil
	}
	ab.closed = true
	ab.mu.Unlock()

	ab.cancel()
	<-ab.done
	ab.file.Close()
	return os.Remove(ab.tmpPath)
}

// Path returns the final path of the file.
func (ab *AsyncBuffer) Path() string { return ab.finalPath }

// GetMetrics returns the current metrics for the buffer
func (ab *AsyncBuffer) GetMetrics() *BufferMetrics {
	return &ab.metrics
}
