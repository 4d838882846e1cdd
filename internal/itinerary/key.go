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
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidMinuteKey is returned when a string cannot be parsed as an HHMM minute key.
var ErrInvalidMinuteKey = errors.New("invalid minute key")

// MinutesPerDay is the number of distinct minute keys in a day.
const MinutesPerDay = 24 * 60

// MinuteKey identifies one simulated minute of traffic.
// Keys order by (Hour, Minute). Distance between two keys in a replay is the
// ordinal distance in the itinerary's key sequence, not the arithmetic one.
type MinuteKey struct {
	Hour   int
	Minute int
}

// NewMinuteKey validates hour and minute and returns the key.
func NewMinuteKey(hour, minute int) (MinuteKey, error) {
	if hour < 0 || hour > 23 {
		return MinuteKey{}, fmt.Errorf("%w: hour %d out of range", ErrInvalidMinuteKey, hour)
	}
	if minute < 0 || minute > 59 {
		return MinuteKey{}, fmt.Errorf("%w: minute %d out of range", ErrInvalidMinuteKey, minute)
	}
	return MinuteKey{Hour: hour, Minute: minute}, nil
}

// ParseMinuteKey parses "HHMM" (e.g. "0905"). A three digit form ("905") is
// accepted as well, the last two digits always being the minute.
func ParseMinuteKey(s string) (MinuteKey, error) {
	s = strings.TrimSpace(s)
	if len(s) < 3 || len(s) > 4 {
		return MinuteKey{}, fmt.Errorf("%w: %q is not HHMM", ErrInvalidMinuteKey, s)
	}
	hour, err := strconv.Atoi(s[:len(s)-2])
	if err != nil {
		return MinuteKey{}, fmt.Errorf("%w: %q: %v", ErrInvalidMinuteKey, s, err)
	}
	minute, err := strconv.Atoi(s[len(s)-2:])
	if err != nil {
		return MinuteKey{}, fmt.Errorf("%w: %q: %v", ErrInvalidMinuteKey, s, err)
	}
	return NewMinuteKey(hour, minute)
}

// String returns the zero padded HHMM form.
func (k MinuteKey) String() string {
	return fmt.Sprintf("%02d%02d", k.Hour, k.Minute)
}

// MinuteOfDay returns hour*60+minute.
func (k MinuteKey) MinuteOfDay() int {
	return k.Hour*60 + k.Minute
}

// Less reports whether k sorts before o.
func (k MinuteKey) Less(o MinuteKey) bool {
	if k.Hour != o.Hour {
		return k.Hour < o.Hour
	}
	return k.Minute < o.Minute
}

// Compare returns -1, 0 or +1.
func (k MinuteKey) Compare(o MinuteKey) int {
	switch {
	case k.Less(o):
		return -1
	case o.Less(k):
		return 1
	}
	return 0
}
