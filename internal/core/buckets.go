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

import "math"

// Buckets splits items into exactly n contiguous sub-slices.
//
// Boundary i sits at round(i*len/n), rounding half to even, so the sizes sum
// to len(items) and never differ by more than one. Buckets share the backing
// array of items. Empty input yields n empty buckets; n > len(items) yields
// some empty buckets. n must be positive.
func Buckets[T any](items []T, n int) [][]T {
	if n <= 0 {
		panic("core: bucket count must be positive")
	}
	out := make([][]T, n)
	size := len(items)
	prev := 0
	for i := 1; i <= n; i++ {
		next := int(math.RoundToEven(float64(i*size) / float64(n)))
		out[i-1] = items[prev:next:next]
		prev = next
	}
	return out
}
