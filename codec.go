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
	"github.com/klauspost/compress/zstd"
)

// CompKind identifies a chunk (de)compression algorithm (spec.md §4.3). The
// numeric value is the on-disk comp_kind code.
type CompKind byte

const (
	// CompNone performs no compression; out = in.
	CompNone CompKind = iota
	// CompZstd compresses each chunk as an independent zstd frame.
	CompZstd
)

// String returns a human-readable name for k.
func (k CompKind) String() string {
	switch k {
	case CompNone:
		return "none"
	case CompZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// DefaultZstdLevel is the default reference-scale (1-22) zstd compression
// level a Writer uses when none is configured (spec.md §4.5).
const DefaultZstdLevel = 9

// Codec compresses and decompresses individual chunks. Every chunk is
// compressed and decompressed independently: implementations MUST NOT
// retain state across chunk boundaries except for a configured dictionary,
// so that chunk N can be decompressed without having seen chunk N-1
// (spec.md §4.3, "Chunk independence").
type Codec interface {
	// Kind returns the on-disk comp_kind code for this codec.
	Kind() CompKind
	// CompressChunk compresses in as a single, complete unit.
	CompressChunk(in []byte) ([]byte, error)
	// DecompressChunk decompresses in, which must be one chunk's complete
	// compressed bytes, and fails if the result is not exactly
	// expectedSize bytes (spec.md §4.3).
	DecompressChunk(in []byte, expectedSize int) ([]byte, error)
	// Close releases any codec resources (e.g. a zstd encoder/decoder).
	Close()
}

// newCodec constructs a Codec for kind, at the given reference-scale zstd
// level (ignored for CompNone), optionally primed with dict.
func newCodec(kind CompKind, level int, dict []byte) (Codec, error) {
	switch kind {
	case CompNone:
		return noneCodec{}, nil
	case CompZstd:
		return newZstdCodec(level, dict)
	default:
		return nil, configErrf("unsupported compression kind %d", byte(kind))
	}
}

// noneCodec is the identity Codec (spec.md §4.3: "None: identity").
type noneCodec struct{}

func (noneCodec) Kind() CompKind { return CompNone }

func (noneCodec) CompressChunk(in []byte) ([]byte, error) {
	out := make([]byte, len(in))
	copy(out, in)
	return out, nil
}

func (noneCodec) DecompressChunk(in []byte, expectedSize int) ([]byte, error) {
	if len(in) != expectedSize {
		return nil, integrityErrf("decompressed size %d, want %d", len(in), expectedSize)
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out, nil
}

func (noneCodec) Close() {}

// zstdLevelFromRef maps the reference zstd CLI's 1-22 level scale onto
// klauspost/compress's four-speed EncoderLevel, since the pure-Go encoder
// does not expose the C library's fine-grained levels.
func zstdLevelFromRef(level int) zstd.EncoderLevel {
	switch {
	case level <= 3:
		return zstd.SpeedFastest
	case level <= 9:
		return zstd.SpeedDefault
	case level <= 15:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// zstdCodec compresses each chunk as an independent zstd frame via
// klauspost/compress/zstd, pinning a single encoder/decoder pair configured
// once at construction so that identical input, level, and dictionary
// always produce byte-identical chunks (spec.md §4.3's determinism
// requirement; see the "Legacy Zstd-1.3 dictionary workaround" note in
// spec.md §9 — this codec simply never recreates its context).
type zstdCodec struct {
	level int
	dict  []byte
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// rawDictID is the zstd dictionary ID stamped into frames compressed with
// a configured dictionary.
const rawDictID = 1

func newZstdCodec(level int, dict []byte) (*zstdCodec, error) {
	if level <= 0 {
		level = DefaultZstdLevel
	}

	// The dictionary is arbitrary bytes used as raw initial history, so it
	// need not be in zstd's trained-dictionary format.
	encOpts := []zstd.EOption{zstd.WithEncoderLevel(zstdLevelFromRef(level))}
	if len(dict) > 0 {
		encOpts = append(encOpts, zstd.WithEncoderDictRaw(rawDictID, dict))
	}
	enc, err := zstd.NewWriter(nil, encOpts...)
	if err != nil {
		return nil, configErrf("initializing zstd encoder: %v", err)
	}

	decOpts := []zstd.DOption{}
	if len(dict) > 0 {
		decOpts = append(decOpts, zstd.WithDecoderDictRaw(rawDictID, dict))
	}
	dec, err := zstd.NewReader(nil, decOpts...)
	if err != nil {
		enc.Close()
		return nil, configErrf("initializing zstd decoder: %v", err)
	}

	return &zstdCodec{level: level, dict: dict, enc: enc, dec: dec}, nil
}

func (z *zstdCodec) Kind() CompKind { return CompZstd }

func (z *zstdCodec) CompressChunk(in []byte) ([]byte, error) {
	return z.enc.EncodeAll(in, nil), nil
}

func (z *zstdCodec) DecompressChunk(in []byte, expectedSize int) ([]byte, error) {
	out, err := z.dec.DecodeAll(in, make([]byte, 0, expectedSize))
	if err != nil {
		return nil, decodeErrf("zstd decompress: %v", err)
	}
	if len(out) != expectedSize {
		return nil, integrityErrf("decompressed size %d, want %d", len(out), expectedSize)
	}
	return out, nil
}

func (z *zstdCodec) Close() {
	z.enc.Close()
	z.dec.Close()
}

// compressDictChunk compresses the dictionary bytes themselves, which are
// stored as chunk 0 without referencing any dictionary (there is nothing
// earlier to prime from), regardless of the codec's configured dictionary.
func compressDictChunk(kind CompKind, level int, dict []byte) ([]byte, error) {
	plain, err := newCodec(kind, level, nil)
	if err != nil {
		return nil, err
	}
	defer plain.Close()
	return plain.CompressChunk(dict)
}

// decompressDictChunk is the counterpart to compressDictChunk.
func decompressDictChunk(kind CompKind, comp []byte, size int) ([]byte, error) {
	plain, err := newCodec(kind, 0, nil)
	if err != nil {
		return nil, err
	}
	defer plain.Close()
	return plain.DecompressChunk(comp, size)
}
