// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
	"strconv"
)

// NodeIDFromString derives a node id in 1..255 from a name, so a host can be
// configured as "-id kitchen" instead of a number. Decimal input in range is
// used as given. Id 0 is reserved for broadcast and never returned.
func NodeIDFromString(s string) uint8 {
	if n, err := strconv.Atoi(s); err == nil && n >= 1 && n <= 255 {
		return uint8(n)
	}
	h := fnv.New32a()
	h.Write([]byte(s))
	return uint8(h.Sum32()%255) + 1
}
