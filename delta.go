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
	"bytes"
	"io"
	"log/slog"
	"sort"
)

// DeltaOption configures a Delta at construction.
type DeltaOption func(*Delta) error

// WithDeltaDictionary primes the Delta's codec with dict, needed to
// decompress chunks of a target header whose HasDict flag is set but whose
// dictionary payload the caller only has access to out-of-band (e.g. read
// from a donor via Reader.DictBytes).
func WithDeltaDictionary(dict []byte) DeltaOption {
	return func(d *Delta) error {
		d.dict = dict
		return nil
	}
}

// WithDeltaLogger attaches a logger the Delta uses to report per-chunk
// placement outcomes. A nil logger (the default) means silent.
func WithDeltaLogger(logger *slog.Logger) DeltaOption {
	return func(d *Delta) error {
		d.log = logger
		return nil
	}
}

// Delta reconstructs a target file described only by its Header, using a
// donor's already-present chunks and, for everything else, byte ranges
// fetched from a transport (spec.md §4.7). It writes placed chunk bytes
// directly into out at their final on-disk offsets, so out must already be
// sized (or support sparse writes) to hold the full target file.
//
// A Delta is not safe for concurrent use: the streaming suspension points
// CopyChunks and AcceptBytes mutate shared chunk-validity state and must run
// one at a time (spec.md §5).
type Delta struct {
	target    *Header
	headerLen int64
	out       io.WriterAt

	dict  []byte
	codec Codec
	log   *slog.Logger

	// compOffsets[i] is the on-disk byte offset of target.Index.Chunks[i]'s
	// compressed bytes, dictionary chunk included.
	compOffsets []int64

	failed int

	sticky
}

// NewDelta returns a Delta that will reconstruct the file described by
// target into out. headerLen is the on-disk length of target's own
// Lead+Preface+Index+Signatures region, as returned by a Reader or a
// HeaderParser probing the target remotely.
func NewDelta(target *Header, headerLen int64, out io.WriterAt, opts ...DeltaOption) (*Delta, error) {
	d := &Delta{target: target, headerLen: headerLen, out: out}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}

	codec, err := newCodec(target.CompKind, 0, d.dict)
	if err != nil {
		return nil, err
	}
	d.codec = codec

	offset := headerLen
	d.compOffsets = make([]int64, len(target.Index.Chunks))
	for i, c := range target.Index.Chunks {
		d.compOffsets[i] = offset
		offset += int64(c.CompLength)
	}

	return d, nil
}

// Close releases codec resources.
func (d *Delta) Close() error {
	if d.codec != nil {
		d.codec.Close()
	}
	return nil
}

// MissingChunks returns the number of target chunks not yet placed.
func (d *Delta) MissingChunks() int {
	var n int
	for _, c := range d.target.Index.Chunks {
		if c.Valid == ChunkMissing {
			n++
		}
	}
	return n
}

// FailedChunks returns the number of target chunks whose most recent
// placement attempt produced bytes that did not match the stored digest.
func (d *Delta) FailedChunks() int {
	return d.failed
}

// ResetFailedChunks requeues every ChunkFailed chunk as ChunkMissing so a
// subsequent PlanRanges call will fetch it again, and zeroes FailedChunks.
func (d *Delta) ResetFailedChunks() {
	for i := range d.target.Index.Chunks {
		if d.target.Index.Chunks[i].Valid == ChunkFailed {
			d.target.Index.Chunks[i].Valid = ChunkMissing
		}
	}
	d.failed = 0
}

// donorDigestIndex maps a donor's chunk digests (as a string key) to its
// chunk position, so CopyChunks's search is O(1) per target chunk instead of
// the linear scan the source used (spec.md §9, design note on the donor
// search).
func donorDigestIndex(donor *Header) map[string]int {
	idx := make(map[string]int, len(donor.Index.Chunks))
	for i, c := range donor.Index.Chunks {
		idx[string(c.Digest)] = i
	}
	return idx
}

// CopyChunks copies every target chunk whose digest also appears in donor
// directly from donor's on-disk compressed bytes into out at the target's
// offset, then decompresses and rehashes the written bytes to confirm the
// copy landed correctly, marking each chunk ChunkValid or ChunkFailed
// (spec.md §4.7's copy_chunks; property 6, scenario S4).
func (d *Delta) CopyChunks(donor *Reader) error {
	donorIdx := donorDigestIndex(donor.header)

	for i := range d.target.Index.Chunks {
		tc := d.target.Index.Chunks[i]
		if tc.Valid == ChunkValid {
			continue
		}
		di, ok := donorIdx[string(tc.Digest)]
		if !ok {
			continue
		}
		dc := donor.header.Index.Chunks[di]
		buf := make([]byte, dc.CompLength)
		if _, err := donor.readCompressedAt(buf, donor.chunkCompOffset(di)); err != nil {
			return ioErr("reading donor chunk", err)
		}
		if err := d.placeAndVerify(i, buf); err != nil {
			return err
		}
	}
	return nil
}

// CopyChunksSelf is CopyChunks using the target's own prior contents (opened
// as self) as the donor, for reconstructing a file in place against chunks
// that already happen to exist elsewhere in it (spec.md §4.7's
// copy_chunks_self).
func (d *Delta) CopyChunksSelf(self *Reader) error {
	return d.CopyChunks(self)
}

// EstimateSize reports how many compressed bytes would still need fetching
// over the network if CopyChunks were run against donor right now, without
// performing any I/O against out (spec.md §4 supplemented feature).
func (d *Delta) EstimateSize(donor *Reader) (int64, error) {
	donorIdx := donorDigestIndex(donor.header)

	var need int64
	for _, tc := range d.target.Index.Chunks {
		if tc.Valid == ChunkValid {
			continue
		}
		if _, ok := donorIdx[string(tc.Digest)]; ok {
			continue
		}
		need += int64(tc.CompLength)
	}
	return need, nil
}

// PlanRanges returns the byte ranges still needed to complete the target,
// batched into groups of at most maxRangesPerRequest ranges each (a
// non-positive value means unlimited), merging contiguous missing chunks
// into single ranges (spec.md §4.7's plan_ranges; property 6).
func (d *Delta) PlanRanges(maxRangesPerRequest int) []RangeSet {
	var offsets, lengths []int64
	for i, c := range d.target.Index.Chunks {
		if c.Valid == ChunkValid {
			continue
		}
		offsets = append(offsets, d.compOffsets[i])
		lengths = append(lengths, int64(c.CompLength))
	}
	merged := mergeContiguous(offsets, lengths)
	return batchRanges(merged, maxRangesPerRequest)
}

// AcceptBytes places the bytes read from stream, which must cover exactly
// currentRange (one range previously returned by PlanRanges and therefore
// aligned to whole chunk boundaries), decompressing and verifying each
// covered chunk in turn and marking it ChunkValid or ChunkFailed (spec.md
// §4.7's accept_bytes). A digest mismatch zeroes that chunk's region of out
// and leaves it ChunkFailed for a later ResetFailedChunks/PlanRanges retry;
// it does not abort placement of the remaining chunks in the range.
func (d *Delta) AcceptBytes(stream io.Reader, currentRange Range) error {
	n := currentRange.Length()
	buf := make([]byte, n)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return ioErr("reading range body", err)
	}

	idx := d.chunkAtOffset(currentRange.Start)
	if idx < 0 {
		return transportErrf("range %s does not align to any target chunk", currentRange)
	}

	var pos int64
	for pos < n {
		if idx >= len(d.compOffsets) {
			return transportErrf("range %s runs past the last target chunk", currentRange)
		}
		if d.compOffsets[idx] != currentRange.Start+pos {
			return transportErrf("range %s misaligned with chunk %d boundary", currentRange, idx)
		}
		c := d.target.Index.Chunks[idx]
		cl := int64(c.CompLength)
		if pos+cl > n {
			return transportErrf("range %s ends mid-chunk %d", currentRange, idx)
		}
		if err := d.placeAndVerify(idx, buf[pos:pos+cl]); err != nil {
			return err
		}
		pos += cl
		idx++
	}
	return nil
}

// chunkAtOffset returns the index of the target chunk whose compressed
// bytes begin exactly at off, or -1 if none does.
func (d *Delta) chunkAtOffset(off int64) int {
	i := sort.Search(len(d.compOffsets), func(i int) bool { return d.compOffsets[i] >= off })
	if i == len(d.compOffsets) || d.compOffsets[i] != off {
		return -1
	}
	return i
}

// placeAndVerify writes compressed into out at target chunk i's offset,
// decompresses it, and rehashes the result against the chunk's stored
// digest, updating d.target.Index.Chunks[i].Valid and d.failed accordingly.
func (d *Delta) placeAndVerify(i int, compressed []byte) error {
	c := &d.target.Index.Chunks[i]

	if _, err := d.out.WriteAt(compressed, d.compOffsets[i]); err != nil {
		return ioErr("writing chunk", err)
	}

	raw, err := d.codec.DecompressChunk(compressed, int(c.Length))
	if err != nil {
		return d.markFailed(i, "decompress error: "+err.Error())
	}

	digester, err := newDigester(d.target.Index.ChunkHashKind)
	if err != nil {
		return err
	}
	digester.Write(raw)
	if !bytes.Equal(digester.Sum(), c.Digest) {
		return d.markFailed(i, "digest mismatch")
	}

	c.Valid = ChunkValid
	if d.log != nil {
		d.log.Debug("zchunk: chunk placed", "chunk", i, "length", c.Length)
	}
	return nil
}

// markFailed records chunk i as ChunkFailed, zeroes its region of out so a
// partial or corrupt write can't masquerade as valid data, and increments
// the failed counter.
func (d *Delta) markFailed(i int, reason string) error {
	c := &d.target.Index.Chunks[i]
	c.Valid = ChunkFailed
	d.failed++
	if d.log != nil {
		d.log.Warn("zchunk: chunk placement failed", "chunk", i, "reason", reason)
	}
	zero := make([]byte, c.CompLength)
	if _, err := d.out.WriteAt(zero, d.compOffsets[i]); err != nil {
		return ioErr("zeroing failed chunk", err)
	}
	return nil
}
