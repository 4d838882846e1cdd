package analytics

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
	"strconv"
	"strings"

	"github.com/x-stp/gareplay/internal/itinerary"
)

// ToRows reshapes report rows (pagePath, date, hour, minute, extra..., pageviews)
// into itinerary rows for site. The date is dropped, so several days of data
// fold onto the same clock minutes.
func ToRows(site string, report [][]string) ([]itinerary.Row, error) {
	out := make([]itinerary.Row, 0, len(report))
	for i, rec := range report {
		if len(rec) < len(BaseDimensions)+1 {
			return nil, fmt.Errorf("report row %d: expected at least %d fields, got %d", i, len(BaseDimensions)+1, len(rec))
		}
		hour, err := strconv.Atoi(strings.TrimSpace(rec[2]))
		if err != nil {
			return nil, fmt.Errorf("report row %d: bad hour %q: %w", i, rec[2], err)
		}
		minute, err := strconv.Atoi(strings.TrimSpace(rec[3]))
		if err != nil {
			return nil, fmt.Errorf("report row %d: bad minute %q: %w", i, rec[3], err)
		}
		if _, err := itinerary.NewMinuteKey(hour, minute); err != nil {
			return nil, fmt.Errorf("report row %d: %w", i, err)
		}
		last := len(rec) - 1
		pv, err := strconv.Atoi(strings.TrimSpace(rec[last]))
		if err != nil || pv < 0 {
			return nil, fmt.Errorf("report row %d: bad pageview count %q", i, rec[last])
		}

		var extra []string
		if last > len(BaseDimensions) {
			extra = append([]string(nil), rec[len(BaseDimensions):last]...)
		}
		out = append(out, itinerary.Row{
			Hour:        hour,
			Minute:      minute,
			Destination: site,
			Path:        rec[0],
			Extra:       extra,
			Pageviews:   pv,
		})
	}
	return out, nil
}
