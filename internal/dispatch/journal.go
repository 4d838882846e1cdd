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
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	xio "github.com/x-stp/gareplay/internal/io"
)

// JournalHeader is the first line of every dispatch journal.
var JournalHeader = []string{"scheduled_at", "key", "bucket", "destination", "path", "status", "latency_ms"}

// Journal records one CSV line per dispatch. It is safe for concurrent use.
type Journal struct {
	mu  sync.Mutex
	buf *xio.AsyncBuffer
	w   *csv.Writer
}

// OpenJournal creates the journal at path. The file only appears under its
// final name once Close succeeds. Paths ending in .gz are compressed.
func OpenJournal(ctx context.Context, path string) (*Journal, error) {
	opts := xio.DefaultAsyncBufferOptions()
	opts.Compressed = strings.HasSuffix(path, ".gz")
	buf, err := xio.NewAsyncBuffer(ctx, path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	j := &Journal{buf: buf, w: csv.NewWriter(buf)}
	if err := j.w.Write(JournalHeader); err != nil {
		_ = buf.Abort()
		return nil, fmt.Errorf("failed to write journal header: %w", err)
	}
	return j, nil
}

// Record appends one dispatch outcome.
func (j *Journal) Record(at time.Time, req Request, status string, latency time.Duration) error {
	rec := []string{
		at.UTC().Format(time.RFC3339Nano),
		req.Key.String(),
		strconv.Itoa(req.Bucket),
		req.Destination,
		req.Path,
		status,
		strconv.FormatFloat(float64(latency.Microseconds())/1000, 'f', 3, 64),
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Write(rec); err != nil {
		return err
	}
	// csv.Writer buffers on its own; push to the async buffer so its flusher sees the data.
	j.w.Flush()
	return j.w.Error()
}

// Close flushes and publishes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.w.Flush()
	if err := j.w.Error(); err != nil {
		_ = j.buf.Abort()
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	return j.buf.Close()
}

// Written returns the bytes written to the journal so far, before compression.
func (j *Journal) Written() int64 { return j.buf.GetMetrics().BytesWritten.Load() }

// Path returns the journal's final path.
func (j *Journal) Path() string { return j.buf.Path() }
