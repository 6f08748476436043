// Package util contains misc internal utilities.
package util

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// GetBit returns the value of a given bit in a register
func GetBit(r uint32, bitIndex uint) bool {
	return r&(1<<bitIndex) != 0
}

// SetBit sets a given bit in a register to v
func SetBit(r uint32, bitIndex uint, v bool) uint32 {
	if v {
		return r | 1<<bitIndex
	}
	return r &^ (1 << bitIndex)
}

// Bits lists the indices of the set bits of r, LSB first
func Bits(r uint32) []int {
	var out []int
	for i := uint(0); i < 32; i++ {
		if GetBit(r, i) {
			out = append(out, int(i))
		}
	}
	return out
}

// UniqueString returns the unique strings in a slice, in order of first appearance
func UniqueString(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Clamp limits input to low <= x <= high
func Clamp(input, low, high float64) float64 {
	return math.Max(low, math.Min(input, high))
}

// SecsToDuration converts a floating point number of seconds to a duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * float64(time.Second)))
}
