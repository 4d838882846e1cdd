package main

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
	"io"

	"github.com/x-stp/gareplay/internal/itinerary"
)

// inspection is what the 'inspect' command reports about an itinerary.
type inspection struct {
	Minutes       int
	Rows          int
	Pageviews     int64
	Destinations  int
	First, Last   itinerary.MinuteKey
	Peak          itinerary.MinuteKey
	PeakPageviews int64
}

func inspect(it *itinerary.Itinerary) inspection {
	in := inspection{
		Minutes:   it.Len(),
		Rows:      it.TotalRows(),
		Pageviews: it.TotalPageviews(),
	}
	keys := it.Keys()
	if len(keys) == 0 {
		return in
	}
	in.First, in.Last = keys[0], keys[len(keys)-1]

	dests := make(map[string]struct{})
	for i, k := range keys {
		var pv int64
		for _, r := range it.Rows(k) {
			pv += int64(r.Pageviews)
			dests[r.Destination] = struct{}{}
		}
		// Ties keep the earliest minute.
		if i == 0 || pv > in.PeakPageviews {
			in.Peak, in.PeakPageviews = k, pv
		}
	}
	in.Destinations = len(dests)
	return in
}

// runInspect is the handler for the 'inspect' command.
func runInspect(w io.Writer, path string) error {
	it, err := itinerary.Load(path)
	if err != nil {
		return err
	}
	in := inspect(it)

	fmt.Fprintf(w, "--- %s ---\n", path)
	fmt.Fprintf(w, "      Minutes: %d\n", in.Minutes)
	fmt.Fprintf(w, "         Rows: %d\n", in.Rows)
	fmt.Fprintf(w, "    Pageviews: %d\n", in.Pageviews)
	fmt.Fprintf(w, " Destinations: %d\n", in.Destinations)
	if in.Minutes > 0 {
		fmt.Fprintf(w, "        First: %s\n", in.First)
		fmt.Fprintf(w, "         Last: %s\n", in.Last)
		fmt.Fprintf(w, "  Peak Minute: %s (%d pageviews)\n", in.Peak, in.PeakPageviews)
	}
	return nil
}
