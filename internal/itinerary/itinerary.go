/*
Package itinerary loads and writes replay itineraries.

An itinerary is a headerless CSV table with one row per recorded
(minute, destination, path) triple:

	hour,minute,destination,path,extra_dimension*,pageviews

Rows are grouped by MinuteKey. Keys keep the order in which they first appear
in the file and rows keep their file order within a key. The scheduler trusts
this order and never re-sorts, so files are expected to be pre-sorted by time
(see Sort).
*/
package itinerary

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
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// MinFields is the smallest valid row: hour, minute, destination, path, pageviews.
const MinFields = 5

// Row is one itinerary record.
type Row struct {
	Hour        int
	Minute      int
	Destination string
	Path        string
	Extra       []string
	Pageviews   int
}

// Key returns the minute key of the row.
func (r Row) Key() MinuteKey {
	return MinuteKey{Hour: r.Hour, Minute: r.Minute}
}

// Record returns the row as CSV fields.
func (r Row) Record() []string {
	rec := make([]string, 0, MinFields+len(r.Extra))
	rec = append(rec, fmt.Sprintf("%02d", r.Hour), fmt.Sprintf("%02d", r.Minute), r.Destination, r.Path)
	rec = append(rec, r.Extra...)
	return append(rec, strconv.Itoa(r.Pageviews))
}

// MalformedRowError reports an input row that cannot be part of an itinerary.
type MalformedRowError struct {
	Line   int
	Reason string
	Err    error
}

func (e *MalformedRowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed itinerary row at line %d: %s: %v", e.Line, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed itinerary row at line %d: %s", e.Line, e.Reason)
}

func (e *MalformedRowError) Unwrap() error { return e.Err }

// Itinerary is an ordered mapping from MinuteKey to rows.
type Itinerary struct {
	keys []MinuteKey
	rows map[MinuteKey][]Row
}

// New returns an empty itinerary.
func New() *Itinerary {
	return &Itinerary{rows: make(map[MinuteKey][]Row)}
}

// FromRows groups rows by key in the order given.
func FromRows(rows []Row) *Itinerary {
	it := New()
	for _, r := range rows {
		it.add(r)
	}
	return it
}

func (it *Itinerary) add(r Row) {
	k := r.Key()
	existing, ok := it.rows[k]
	if !ok {
		it.keys = append(it.keys, k)
	}
	it.rows[k] = append(existing, r)
}

// Keys returns a copy of the key sequence in insertion order.
func (it *Itinerary) Keys() []MinuteKey {
	out := make([]MinuteKey, len(it.keys))
	copy(out, it.keys)
	return out
}

// Rows returns the rows recorded for k. The slice must not be modified.
func (it *Itinerary) Rows(k MinuteKey) []Row {
	return it.rows[k]
}

// Len returns the number of distinct minute keys.
func (it *Itinerary) Len() int { return len(it.keys) }

// Index returns the position of k in the key sequence, or -1.
func (it *Itinerary) Index(k MinuteKey) int {
	if _, ok := it.rows[k]; !ok {
		return -1
	}
	for i, key := range it.keys {
		if key == k {
			return i
		}
	}
	return -1
}

// TotalRows returns the number of rows across all keys.
func (it *Itinerary) TotalRows() int {
	n := 0
	for _, rows := range it.rows {
		n += len(rows)
	}
	return n
}

// TotalPageviews returns the number of dispatches a full replay issues.
func (it *Itinerary) TotalPageviews() int64 {
	var n int64
	for _, rows := range it.rows {
		for _, r := range rows {
			n += int64(r.Pageviews)
		}
	}
	return n
}

// Load reads the itinerary stored at path. Paths ending in .gz are decompressed.
func Load(path string) (*Itinerary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open itinerary %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s as gzip: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	it, err := Read(r)
	if err != nil {
		return nil, fmt.Errorf("failed to load itinerary %s: %w", path, err)
	}
	return it, nil
}

// Read parses an itinerary from r. Any malformed row aborts the whole read.
func Read(r io.Reader) (*Itinerary, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // field count is checked below to report MalformedRowError
	cr.ReuseRecord = false

	it := New()
	width := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			line := 0
			if errors.As(err, &pe) {
				line = pe.Line
			}
			return nil, &MalformedRowError{Line: line, Reason: "unreadable CSV", Err: err}
		}
		line, _ := cr.FieldPos(0)
		if width == 0 {
			width = len(rec)
		}
		row, err := parseRow(rec, width, line)
		if err != nil {
			return nil, err
		}
		it.add(row)
	}
	return it, nil
}

func parseRow(rec []string, width, line int) (Row, error) {
	if len(rec) < MinFields {
		return Row{}, &MalformedRowError{Line: line, Reason: fmt.Sprintf("expected at least %d fields, got %d", MinFields, len(rec))}
	}
	if len(rec) != width {
		return Row{}, &MalformedRowError{Line: line, Reason: fmt.Sprintf("expected %d fields like the first row, got %d", width, len(rec))}
	}

	hour, err := strconv.Atoi(strings.TrimSpace(rec[0]))
	if err != nil {
		return Row{}, &MalformedRowError{Line: line, Reason: "hour is not an integer", Err: err}
	}
	minute, err := strconv.Atoi(strings.TrimSpace(rec[1]))
	if err != nil {
		return Row{}, &MalformedRowError{Line: line, Reason: "minute is not an integer", Err: err}
	}
	if _, err := NewMinuteKey(hour, minute); err != nil {
		return Row{}, &MalformedRowError{Line: line, Reason: "timestamp out of range", Err: err}
	}

	last := len(rec) - 1
	pv, err := strconv.Atoi(strings.TrimSpace(rec[last]))
	if err != nil {
		return Row{}, &MalformedRowError{Line: line, Reason: "pageview count is not an integer", Err: err}
	}
	if pv < 0 {
		return Row{}, &MalformedRowError{Line: line, Reason: fmt.Sprintf("negative pageview count %d", pv)}
	}

	var extra []string
	if last > 4 {
		extra = append([]string(nil), rec[4:last]...)
	}
	return Row{
		Hour:        hour,
		Minute:      minute,
		Destination: rec[2],
		Path:        rec[3],
		Extra:       extra,
		Pageviews:   pv,
	}, nil
}
