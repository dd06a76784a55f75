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

import "bytes"

// magic is the fixed 5-byte lead prefix (spec.md §3, §6).
var magic = [5]byte{0x00, 'Z', 'C', 'K', '1'}

// maxDigestSize is the largest digest size any supported HashKind produces,
// used to size the initial speculative lead probe.
const maxDigestSize = 64 // sha512.Size

// MinLeadProbe is the smallest byte count guaranteed to contain the Lead's
// compint(rest_size) field for any supported full-hash kind, so a transport
// can issue one speculative range request before it knows the header's true
// length (original_source/src/zck_dl.c's zck_get_min_download_size,
// recovered per SPEC_FULL.md §4).
const MinLeadProbe = len(magic) + 1 + maxDigestSize + maxCompintLen

// ChunkValidity is the runtime validity state of a Chunk (spec.md §3).
type ChunkValidity int

const (
	// ChunkMissing means the chunk has not yet been obtained.
	ChunkMissing ChunkValidity = iota
	// ChunkValid means the chunk's digest has been confirmed.
	ChunkValid
	// ChunkFailed means a copy attempt produced bytes that did not match
	// the chunk's stored digest.
	ChunkFailed
)

// Chunk is one entry in an Index (spec.md §3).
type Chunk struct {
	// Digest is the chunk-hash digest over the chunk's uncompressed bytes.
	Digest []byte
	// CompLength is the compressed byte count on the wire.
	CompLength uint64
	// Length is the uncompressed byte count.
	Length uint64
	// Start is the byte offset of this chunk within the uncompressed
	// logical stream; it is derived by prefix-summing Length over the
	// non-dictionary chunks, not stored on disk.
	Start uint64
	// Valid is the chunk's current validity, relevant only to delta and
	// inspection use; freshly parsed chunks are always ChunkMissing.
	Valid ChunkValidity
	// UncompDigest is populated only when the header's
	// HasUncompressedChecksums flag is set.
	UncompDigest []byte
}

// Equal reports whether c and other have the same chunk digest
// (original_source/include/zck.h's zck_compare_chunk_digest, recovered per
// SPEC_FULL.md §4).
func (c Chunk) Equal(other Chunk) bool {
	return bytes.Equal(c.Digest, other.Digest)
}

// HeaderFlags is the Preface's flag bitfield (spec.md §3, §6).
type HeaderFlags struct {
	// HasStreams is bit 0.
	HasStreams bool
	// HasOptionalFlags is bit 1. When set, OptionalFlagsByte is present
	// and round-tripped, but this module assigns it no interpreted
	// meaning (spec.md §9, Open Question).
	HasOptionalFlags bool
	// HasUncompressedChecksums is bit 2.
	HasUncompressedChecksums bool
	// HasDict is bit 3, a reserved bit this module repurposes to mark
	// "Index.Chunks[0] is a dictionary chunk", per the re-architecture
	// decided in spec.md §9 ("no dict" means no index entry at position
	// 0, rather than a zero-length sentinel chunk). Bits 0-2 keep their
	// documented on-disk meaning; this is the one bit this module assigns
	// beyond what spec.md §6 names.
	HasDict bool
	// OptionalFlagsByte is the opaque byte controlled by
	// HasOptionalFlags. Valid only when HasOptionalFlags is true.
	OptionalFlagsByte byte
}

func (f HeaderFlags) encode() uint64 {
	var v uint64
	if f.HasStreams {
		v |= 1 << 0
	}
	if f.HasOptionalFlags {
		v |= 1 << 1
	}
	if f.HasUncompressedChecksums {
		v |= 1 << 2
	}
	if f.HasDict {
		v |= 1 << 3
	}
	return v
}

func decodeHeaderFlags(v uint64) HeaderFlags {
	return HeaderFlags{
		HasStreams:               v&(1<<0) != 0,
		HasOptionalFlags:         v&(1<<1) != 0,
		HasUncompressedChecksums: v&(1<<2) != 0,
		HasDict:                  v&(1<<3) != 0,
	}
}

// Index is the ordered sequence of Chunks plus its own metadata
// (spec.md §3).
type Index struct {
	ChunkHashKind HashKind
	Chunks        []Chunk
}

// DataChunks returns the Chunks that are part of the logical uncompressed
// stream, i.e. excluding a leading dictionary chunk if present.
func (idx *Index) DataChunks(hasDict bool) []Chunk {
	if hasDict && len(idx.Chunks) > 0 {
		return idx.Chunks[1:]
	}
	return idx.Chunks
}

// TotalLength returns the sum of Length over the logical data chunks
// (spec.md §3's "total uncompressed length").
func (idx *Index) TotalLength(hasDict bool) uint64 {
	var total uint64
	for _, c := range idx.DataChunks(hasDict) {
		total += c.Length
	}
	return total
}

// Signature is one opaque passthrough entry in the Signatures region
// (spec.md §3). The core does not interpret signature bytes, only
// preserves their byte ranges so the header digest stays consistent.
type Signature struct {
	HashKind HashKind
	Length   uint64
	Data     []byte
}

// Header is the fully parsed Lead+Preface+Index+Signatures region of a
// zchunk file (spec.md §3).
type Header struct {
	FullHashKind HashKind
	HeaderDigest []byte
	FullDataDigest []byte
	Flags        HeaderFlags
	CompKind     CompKind
	Index        Index
	Signatures   []Signature
	HasDict      bool

	// leadLen is the number of bytes the Lead occupied on disk, needed by
	// callers that must know the payload region's starting offset.
	leadLen int
}

// HeaderLength returns the total on-disk length of Lead+Preface+Index+Signatures.
func (h *Header) HeaderLength() int {
	return h.leadLen + len(h.encodeRest())
}

// LeadLength returns the on-disk length of just the Lead region.
func (h *Header) LeadLength() int {
	return h.leadLen
}

// encodePreface serializes the Preface region (spec.md §6).
func (h *Header) encodePreface() []byte {
	var buf []byte
	buf = append(buf, h.FullDataDigest...)
	buf = encodeCompint(buf, h.Flags.encode())
	if h.Flags.HasOptionalFlags {
		buf = append(buf, h.Flags.OptionalFlagsByte)
	}
	buf = encodeCompint(buf, uint64(h.CompKind))
	return buf
}

// encodeIndex serializes the Index region (spec.md §6).
func (h *Header) encodeIndex() []byte {
	var buf []byte
	buf = encodeCompint(buf, uint64(h.Index.ChunkHashKind))
	buf = encodeCompint(buf, uint64(len(h.Index.Chunks)))
	for _, c := range h.Index.Chunks {
		buf = append(buf, c.Digest...)
		buf = encodeCompint(buf, c.CompLength)
		buf = encodeCompint(buf, c.Length)
		if h.Flags.HasUncompressedChecksums {
			buf = append(buf, c.UncompDigest...)
		}
	}
	return buf
}

// encodeSignatures serializes the Signatures region (spec.md §6).
func (h *Header) encodeSignatures() []byte {
	buf := encodeCompint(nil, uint64(len(h.Signatures)))
	for _, s := range h.Signatures {
		buf = append(buf, byte(s.HashKind))
		buf = encodeCompint(buf, s.Length)
		buf = append(buf, s.Data...)
	}
	return buf
}

// encodeRest returns Preface||Index||Signatures.
func (h *Header) encodeRest() []byte {
	var buf []byte
	buf = append(buf, h.encodePreface()...)
	buf = append(buf, h.encodeIndex()...)
	buf = append(buf, h.encodeSignatures()...)
	return buf
}

// encodeLead serializes the Lead region using the given header digest
// (which may be all-zero, for digest computation purposes).
func (h *Header) encodeLead(digest []byte, restSize uint64) []byte {
	var buf []byte
	buf = append(buf, magic[:]...)
	buf = append(buf, byte(h.FullHashKind))
	buf = append(buf, digest...)
	buf = encodeCompint(buf, restSize)
	return buf
}

// Finalize computes and stamps the header digest, then returns the
// complete serialized Lead||Preface||Index||Signatures (spec.md §4.4).
func (h *Header) Finalize() ([]byte, error) {
	if !h.FullHashKind.Valid() {
		return nil, configErrf("invalid full hash kind %d", byte(h.FullHashKind))
	}

	rest := h.encodeRest()
	zeroDigest := make([]byte, h.FullHashKind.DigestSize())
	leadZero := h.encodeLead(zeroDigest, uint64(len(rest)))

	d, err := newDigester(h.FullHashKind)
	if err != nil {
		return nil, err
	}
	d.Write(leadZero)
	d.Write(rest)
	digest := d.Sum()

	h.HeaderDigest = digest
	h.leadLen = len(leadZero)

	lead := h.encodeLead(digest, uint64(len(rest)))
	out := make([]byte, 0, len(lead)+len(rest))
	out = append(out, lead...)
	out = append(out, rest...)
	return out, nil
}

// parseLead decodes the Lead region from the front of buf. It returns the
// parsed fields, the number of bytes the Lead occupied, and the declared
// rest_size (preface+index+sig byte count still to be read).
func parseLead(buf []byte) (fullHashKind HashKind, headerDigest []byte, restSize uint64, leadLen int, err error) {
	if len(buf) < len(magic)+1 {
		return 0, nil, 0, 0, decodeErrf("truncated lead: need at least %d bytes", len(magic)+1)
	}
	if !bytes.Equal(buf[:len(magic)], magic[:]) {
		return 0, nil, 0, 0, decodeErrf("bad magic: not a zchunk file")
	}
	pos := len(magic)

	fullHashKind = HashKind(buf[pos])
	pos++
	if !fullHashKind.Valid() {
		return 0, nil, 0, 0, decodeErrf("unknown full hash kind %d", buf[pos-1])
	}

	digestSize := fullHashKind.DigestSize()
	if len(buf) < pos+digestSize {
		return 0, nil, 0, 0, decodeErrf("truncated lead: need %d more bytes for header digest", pos+digestSize-len(buf))
	}
	headerDigest = append([]byte(nil), buf[pos:pos+digestSize]...)
	pos += digestSize

	restSize, n, err := decodeCompint(buf[pos:], maxCompintLen)
	if err != nil {
		return 0, nil, 0, 0, err
	}
	pos += n

	return fullHashKind, headerDigest, restSize, pos, nil
}

// parseRest decodes Preface+Index+Signatures from rest, which must be
// exactly restSize bytes, and verifies the header digest against
// leadZeroed||rest (spec.md §4.4).
func parseRest(fullHashKind HashKind, headerDigest []byte, leadZeroed, rest []byte) (*Header, error) {
	h := &Header{
		FullHashKind: fullHashKind,
		HeaderDigest: headerDigest,
		leadLen:      len(leadZeroed),
	}

	pos := 0

	digestSize := fullHashKind.DigestSize()
	if len(rest) < pos+digestSize {
		return nil, decodeErrf("truncated preface: want %d bytes for full-data digest", digestSize)
	}
	h.FullDataDigest = append([]byte(nil), rest[pos:pos+digestSize]...)
	pos += digestSize

	flagsVal, n, err := decodeCompint(rest[pos:], len(rest)-pos)
	if err != nil {
		return nil, err
	}
	pos += n
	h.Flags = decodeHeaderFlags(flagsVal)
	h.HasDict = h.Flags.HasDict

	if h.Flags.HasOptionalFlags {
		if len(rest) < pos+1 {
			return nil, decodeErrf("truncated preface: missing optional flags byte")
		}
		h.Flags.OptionalFlagsByte = rest[pos]
		pos++
	}

	compKindVal, n, err := decodeCompint(rest[pos:], len(rest)-pos)
	if err != nil {
		return nil, err
	}
	pos += n
	h.CompKind = CompKind(compKindVal)

	chunkHashVal, n, err := decodeCompint(rest[pos:], len(rest)-pos)
	if err != nil {
		return nil, err
	}
	pos += n
	h.Index.ChunkHashKind = HashKind(chunkHashVal)
	if !h.Index.ChunkHashKind.Valid() {
		return nil, decodeErrf("unknown chunk hash kind %d", chunkHashVal)
	}

	chunkCount, n, err := decodeCompint(rest[pos:], len(rest)-pos)
	if err != nil {
		return nil, err
	}
	pos += n

	chunkDigestSize := h.Index.ChunkHashKind.DigestSize()
	var start uint64
	h.Index.Chunks = make([]Chunk, 0, chunkCount)
	for i := uint64(0); i < chunkCount; i++ {
		if len(rest) < pos+chunkDigestSize {
			return nil, decodeErrf("truncated index: chunk %d digest runs past end of header", i)
		}
		digest := append([]byte(nil), rest[pos:pos+chunkDigestSize]...)
		pos += chunkDigestSize

		compLen, n, err := decodeCompint(rest[pos:], len(rest)-pos)
		if err != nil {
			return nil, err
		}
		pos += n

		length, n, err := decodeCompint(rest[pos:], len(rest)-pos)
		if err != nil {
			return nil, err
		}
		pos += n

		var uncompDigest []byte
		if h.Flags.HasUncompressedChecksums {
			if len(rest) < pos+chunkDigestSize {
				return nil, decodeErrf("truncated index: chunk %d uncompressed digest runs past end of header", i)
			}
			uncompDigest = append([]byte(nil), rest[pos:pos+chunkDigestSize]...)
			pos += chunkDigestSize
		}

		isDictChunk := i == 0 && h.HasDict
		c := Chunk{
			Digest:       digest,
			CompLength:   compLen,
			Length:       length,
			UncompDigest: uncompDigest,
		}
		if !isDictChunk {
			c.Start = start
			start += length
		}
		h.Index.Chunks = append(h.Index.Chunks, c)
	}

	sigCount, n, err := decodeCompint(rest[pos:], len(rest)-pos)
	if err != nil {
		return nil, err
	}
	pos += n

	h.Signatures = make([]Signature, 0, sigCount)
	for i := uint64(0); i < sigCount; i++ {
		if len(rest) < pos+1 {
			return nil, decodeErrf("truncated signatures: entry %d missing hash kind", i)
		}
		kind := HashKind(rest[pos])
		pos++

		sigLen, n, err := decodeCompint(rest[pos:], len(rest)-pos)
		if err != nil {
			return nil, err
		}
		pos += n

		if len(rest) < pos+int(sigLen) {
			return nil, decodeErrf("truncated signatures: entry %d body runs past end of header", i)
		}
		data := append([]byte(nil), rest[pos:pos+int(sigLen)]...)
		pos += int(sigLen)

		h.Signatures = append(h.Signatures, Signature{HashKind: kind, Length: sigLen, Data: data})
	}

	// Recompute and verify the header digest over leadZeroed||rest.
	d, err := newDigester(fullHashKind)
	if err != nil {
		return nil, err
	}
	d.Write(leadZeroed)
	d.Write(rest)
	computed := d.Sum()
	if !bytes.Equal(computed, headerDigest) {
		return nil, decodeErrf("header digest mismatch")
	}

	return h, nil
}

// ParseState is the incremental header-parser state machine
// (spec.md §4.4: "NeedLead → NeedRest → Verified → Ready").
type ParseState int

const (
	// StateNeedLead means the parser still needs lead bytes.
	StateNeedLead ParseState = iota
	// StateNeedRest means the lead parsed and the parser now needs
	// restSize more bytes (preface+index+signatures).
	StateNeedRest
	// StateVerified means the header digest has been checked.
	StateVerified
	// StateReady means Header() may be called.
	StateReady
)

// HeaderParser drives the NeedLead→NeedRest→Verified→Ready state machine
// so a transport can fetch exactly the bytes needed at each step
// (spec.md §4.4). Each Feed call consumes one region: the Lead moves the
// parser to StateNeedRest, and the rest of the header moves it through
// StateVerified to StateReady within the same call.
type HeaderParser struct {
	state ParseState

	fullHashKind HashKind
	headerDigest []byte
	restSize     uint64
	leadZeroed   []byte

	header *Header
	err    error
}

// NewHeaderParser returns a parser ready to accept lead bytes.
func NewHeaderParser() *HeaderParser {
	return &HeaderParser{state: StateNeedLead}
}

// State returns the parser's current state.
func (p *HeaderParser) State() ParseState { return p.state }

// NeedBytes returns the number of bytes the next Feed call needs, or
// MinLeadProbe as a speculative upper bound while in StateNeedLead (the
// true lead length depends on the hash kind and rest_size encodings, which
// are themselves inside the lead).
func (p *HeaderParser) NeedBytes() int {
	switch p.state {
	case StateNeedLead:
		return MinLeadProbe
	case StateNeedRest:
		return int(p.restSize)
	default:
		return 0
	}
}

// Feed advances the parser past one header region using buf.
//
// In StateNeedLead, buf must contain at least enough bytes to parse the
// Lead (MinLeadProbe is always sufficient; fewer bytes suffice for smaller
// digest kinds and shorter rest_size encodings, and Feed reports how many
// it actually consumed via leadConsumed).
//
// In StateNeedRest, buf must be exactly NeedBytes() bytes.
func (p *HeaderParser) Feed(buf []byte) (leadConsumed int, err error) {
	switch p.state {
	case StateNeedLead:
		fullHashKind, headerDigest, restSize, leadLen, err := parseLead(buf)
		if err != nil {
			p.err = err
			return 0, err
		}
		p.fullHashKind = fullHashKind
		p.headerDigest = headerDigest
		p.restSize = restSize
		zeroDigest := make([]byte, fullHashKind.DigestSize())
		leadZeroed := make([]byte, leadLen)
		copy(leadZeroed, buf[:leadLen])
		copy(leadZeroed[len(magic)+1:len(magic)+1+len(zeroDigest)], zeroDigest)
		p.leadZeroed = leadZeroed
		p.state = StateNeedRest
		return leadLen, nil
	case StateNeedRest:
		if uint64(len(buf)) != p.restSize {
			err := decodeErrf("Feed: got %d bytes, want exactly %d", len(buf), p.restSize)
			p.err = err
			return 0, err
		}
		h, err := parseRest(p.fullHashKind, p.headerDigest, p.leadZeroed, buf)
		if err != nil {
			p.err = err
			return 0, err
		}
		p.header = h
		p.state = StateVerified
		p.state = StateReady
		return len(buf), nil
	default:
		return 0, decodeErrf("Feed called in terminal state")
	}
}

// Header returns the parsed Header. It is only valid once State() ==
// StateReady.
func (p *HeaderParser) Header() (*Header, error) {
	if p.state != StateReady {
		return nil, decodeErrf("header not ready")
	}
	return p.header, nil
}
