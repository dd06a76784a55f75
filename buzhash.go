// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package zchunk

import "math/bits"

// DefaultWindowSize is the default number of trailing bytes (W) the
// content-defined chunker's rolling hash considers (spec.md §4.5).
const DefaultWindowSize = 48

// DefaultBoundaryBits is the default number of low bits (B) of the rolling
// hash that must be zero to declare a chunk boundary (spec.md §4.5).
const DefaultBoundaryBits = 15

// buzTable holds 256 pseudo-random 64-bit values, one per input byte,
// generated deterministically at init time via splitmix64 so the table
// never needs to be hand-transcribed and is identical across builds.
var buzTable [256]uint64

func init() {
	state := uint64(0x9e3779b97f4a7c15)
	for i := range buzTable {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		buzTable[i] = z ^ (z >> 31)
	}
}

// buzhash implements a cyclic-polynomial (buzhash) rolling hash over the
// most recent windowSize bytes seen via Roll. Modeled on the incremental
// "feed one byte, ask if it's a boundary" shape of rollingChecksumReader's
// Roll/OnSplitWithBits pair, generalized from rollsum to buzhash per
// spec.md §4.5.
type buzhash struct {
	window     []byte
	windowSize int
	pos        int
	filled     int
	h          uint64
}

// newBuzhash creates a rolling hash with the given window size. windowSize
// must be at least 1.
func newBuzhash(windowSize int) *buzhash {
	if windowSize < 1 {
		windowSize = DefaultWindowSize
	}
	return &buzhash{
		window:     make([]byte, windowSize),
		windowSize: windowSize,
	}
}

// Roll folds c into the rolling hash, evicting the byte that is now
// windowSize bytes behind it, and returns the updated hash value.
func (b *buzhash) Roll(c byte) uint64 {
	var out byte
	haveOut := b.filled == b.windowSize
	if haveOut {
		out = b.window[b.pos]
	}
	b.window[b.pos] = c
	b.pos++
	if b.pos == b.windowSize {
		b.pos = 0
	}
	if b.filled < b.windowSize {
		b.filled++
	}

	b.h = rol64(b.h, 1) ^ buzTable[c]
	if haveOut {
		b.h ^= rol64(buzTable[out], uint(b.windowSize%64))
	}
	return b.h
}

// AtBoundary reports whether the current hash value has its low bits bits
// all zero, i.e. whether the byte just rolled in closes a chunk
// (spec.md §4.5: "when the low B bits of the hash are zero"). It only ever
// returns true once the window has filled, since a boundary decision on a
// partially-filled window is not meaningful.
func (b *buzhash) AtBoundary(nbits uint) bool {
	if b.filled < b.windowSize {
		return false
	}
	mask := uint64(1)<<nbits - 1
	return b.h&mask == 0
}

// Reset clears the rolling hash state so it can be reused for a new chunk.
func (b *buzhash) Reset() {
	b.h = 0
	b.pos = 0
	b.filled = 0
}

func rol64(x uint64, n uint) uint64 {
	return bits.RotateLeft64(x, int(n))
}
