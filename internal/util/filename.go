// Package util holds small helpers shared by the commands.
package util

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
	"path/filepath"
	"strings"
)

// maxNameLength keeps generated names well below common filesystem limits.
const maxNameLength = 100

// SanitizeFilename makes a filesystem-safe name from a site list, host:port
// pair or other free-form string.
func SanitizeFilename(input string) string {
	replaced := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ', ',':
			return '_'
		}
		return r
	}, strings.TrimSpace(input))
	if len(replaced) > maxNameLength {
		return replaced[:maxNameLength]
	}
	return replaced
}

// ItineraryPath derives an itinerary file name in dir for sites and a
// DD-MM-YYYY date range, e.g. itineraries/a.com+b.com_01-03-2024_02-03-2024.csv.
func ItineraryPath(dir string, sites []string, start, end string) string {
	name := SanitizeFilename(strings.Join(sites, "+"))
	return filepath.Join(dir, name+"_"+start+"_"+end+".csv")
}
