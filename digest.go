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

import (
	"crypto/sha1"  //nolint:gosec // SHA-1 is a supported legacy on-disk hash kind, not used for security here.
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

// HashKind identifies one of the digest algorithms zchunk can stamp into a
// header or a chunk entry (spec.md §4.2). The numeric value is the on-disk
// kind code and must never be renumbered once assigned.
type HashKind byte

const (
	// HashSHA1 is the legacy chunk-hash kind.
	HashSHA1 HashKind = iota
	// HashSHA256 is the default full-hash kind.
	HashSHA256
	// HashSHA512 is a full-strength alternative full-hash or chunk-hash kind.
	HashSHA512
	// HashSHA512_128 is SHA-512 truncated to its first 16 bytes.
	HashSHA512_128
)

// String returns a human-readable name for k.
func (k HashKind) String() string {
	switch k {
	case HashSHA1:
		return "SHA-1"
	case HashSHA256:
		return "SHA-256"
	case HashSHA512:
		return "SHA-512"
	case HashSHA512_128:
		return "SHA-512/128"
	default:
		return "unknown"
	}
}

// sha512_128Size is the truncated digest length for HashSHA512_128.
const sha512_128Size = 16

// DigestSize returns the on-disk digest size, in bytes, for k. It returns 0
// for an unsupported kind.
func (k HashKind) DigestSize() int {
	switch k {
	case HashSHA1:
		return sha1.Size
	case HashSHA256:
		return sha256.Size
	case HashSHA512:
		return sha512.Size
	case HashSHA512_128:
		return sha512_128Size
	default:
		return 0
	}
}

// Valid reports whether k is a recognized hash kind.
func (k HashKind) Valid() bool {
	switch k {
	case HashSHA1, HashSHA256, HashSHA512, HashSHA512_128:
		return true
	default:
		return false
	}
}

// newHasher returns a fresh hash.Hash for k. Truncation for HashSHA512_128
// is applied by the caller at Sum time, since the standard library does not
// expose a truncated SHA-512 constructor with this exact width.
func newHasher(k HashKind) (hash.Hash, error) {
	switch k {
	case HashSHA1:
		return sha1.New(), nil //nolint:gosec // legacy on-disk kind, not a security boundary.
	case HashSHA256:
		return sha256.New(), nil
	case HashSHA512, HashSHA512_128:
		return sha512.New(), nil
	default:
		return nil, configErrf("unsupported hash kind %d", byte(k))
	}
}

// digester wraps a running hash.Hash for one HashKind, applying truncation
// on Sum for HashSHA512_128 (spec.md §4.2: "Digest size is a property of
// the kind and MUST match the on-disk size byte-for-byte").
type digester struct {
	kind HashKind
	h    hash.Hash
}

// newDigester creates a digester for kind, ready for Write calls.
func newDigester(kind HashKind) (*digester, error) {
	h, err := newHasher(kind)
	if err != nil {
		return nil, err
	}
	return &digester{kind: kind, h: h}, nil
}

// Write feeds p into the running digest.
func (d *digester) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// Sum returns the finalized digest, truncated to the kind's on-disk size.
// It does not reset the running hash.
func (d *digester) Sum() []byte {
	sum := d.h.Sum(nil)
	n := d.kind.DigestSize()
	if n > 0 && n < len(sum) {
		return sum[:n]
	}
	return sum
}

// Reset clears the running hash so the digester can be reused.
func (d *digester) Reset() {
	d.h.Reset()
}
