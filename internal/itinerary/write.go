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
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"

	xio "github.com/x-stp/gareplay/internal/io"
)

// Sort orders rows by (hour, minute, path) numerically. The sort is stable so
// rows of different destinations for the same path keep their merge order.
func Sort(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if c := a.Key().Compare(b.Key()); c != 0 {
			return c < 0
		}
		return a.Path < b.Path
	})
}

// Write encodes rows as itinerary CSV.
func Write(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	for _, r := range rows {
		if err := cw.Write(r.Record()); err != nil {
			return fmt.Errorf("failed to write row %s %s: %w", r.Key(), r.Path, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Save writes rows to path. The file only appears once it is complete.
// A ".gz" suffix produces a gzip compressed itinerary that Load can read back.
func Save(ctx context.Context, path string, rows []Row) error {
	opts := xio.DefaultAsyncBufferOptions()
	opts.Compressed = strings.HasSuffix(path, ".gz")

	buf, err := xio.NewAsyncBuffer(ctx, path, opts)
	if err != nil {
		return fmt.Errorf("failed to create itinerary file: %w", err)
	}
	if err := Write(buf, rows); err != nil {
		_ = buf.Abort()
		return err
	}
	return buf.Close()
}
