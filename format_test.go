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
	"errors"
	"testing"
)

func sampleHeader(t *testing.T) *Header {
	t.Helper()

	h := &Header{
		FullHashKind:   HashSHA256,
		FullDataDigest: make([]byte, HashSHA256.DigestSize()),
		Flags: HeaderFlags{
			HasUncompressedChecksums: false,
		},
		CompKind: CompZstd,
		Index: Index{
			ChunkHashKind: HashSHA1,
			Chunks: []Chunk{
				{Digest: make([]byte, HashSHA1.DigestSize()), CompLength: 10, Length: 20},
				{Digest: make([]byte, HashSHA1.DigestSize()), CompLength: 5, Length: 8},
			},
		},
	}
	for i := range h.Index.Chunks {
		h.Index.Chunks[i].Digest[0] = byte(i + 1)
	}
	return h
}

// parseFull feeds a HeaderParser the entire serialized header at once,
// mimicking a local-file read where the whole header is already in memory.
func parseFull(t *testing.T, buf []byte) *Header {
	t.Helper()

	p := NewHeaderParser()
	leadLen, err := p.Feed(buf[:MinLeadProbe])
	if err != nil {
		t.Fatalf("Feed(lead): %v", err)
	}
	if p.State() != StateNeedRest {
		t.Fatalf("state after lead = %v, want StateNeedRest", p.State())
	}

	need := p.NeedBytes()
	restStart := leadLen
	if restStart+need > len(buf) {
		t.Fatalf("buffer too short: have %d, need %d", len(buf), restStart+need)
	}
	if _, err := p.Feed(buf[restStart : restStart+need]); err != nil {
		t.Fatalf("Feed(rest): %v", err)
	}
	if p.State() != StateReady {
		t.Fatalf("state after rest = %v, want StateReady", p.State())
	}

	h, err := p.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	return h
}

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	h := sampleHeader(t)
	buf, err := h.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got := parseFull(t, buf)

	if got.FullHashKind != h.FullHashKind {
		t.Errorf("FullHashKind = %v, want %v", got.FullHashKind, h.FullHashKind)
	}
	if got.CompKind != h.CompKind {
		t.Errorf("CompKind = %v, want %v", got.CompKind, h.CompKind)
	}
	if len(got.Index.Chunks) != len(h.Index.Chunks) {
		t.Fatalf("len(Chunks) = %d, want %d", len(got.Index.Chunks), len(h.Index.Chunks))
	}
	for i := range h.Index.Chunks {
		want := h.Index.Chunks[i]
		gotC := got.Index.Chunks[i]
		if gotC.CompLength != want.CompLength || gotC.Length != want.Length {
			t.Errorf("chunk %d = %+v, want %+v", i, gotC, want)
		}
		if !gotC.Equal(want) {
			t.Errorf("chunk %d digest mismatch", i)
		}
	}
	// Start offsets are prefix sums of Length over data chunks.
	if got.Index.Chunks[0].Start != 0 {
		t.Errorf("chunk 0 Start = %d, want 0", got.Index.Chunks[0].Start)
	}
	if got.Index.Chunks[1].Start != 20 {
		t.Errorf("chunk 1 Start = %d, want 20", got.Index.Chunks[1].Start)
	}
}

func TestHeaderDigestSealDetectsTamper(t *testing.T) {
	t.Parallel()

	h := sampleHeader(t)
	buf, err := h.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	// Flip one byte inside the preface (just past the lead).
	tampered := append([]byte(nil), buf...)
	tampered[h.LeadLength()] ^= 0xff

	p := NewHeaderParser()
	if _, err := p.Feed(tampered[:MinLeadProbe]); err != nil {
		t.Fatalf("Feed(lead): %v", err)
	}
	need := p.NeedBytes()
	_, err = p.Feed(tampered[h.LeadLength() : h.LeadLength()+need])
	if err == nil {
		t.Fatal("Feed(rest): want header-digest mismatch, got nil")
	}
	if !errors.Is(err, ErrDecode) {
		t.Errorf("error = %v, want ErrDecode", err)
	}
}

func TestHeaderFlagsRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []HeaderFlags{
		{},
		{HasStreams: true},
		{HasUncompressedChecksums: true},
		{HasOptionalFlags: true, OptionalFlagsByte: 0x42},
		{HasStreams: true, HasOptionalFlags: true, HasUncompressedChecksums: true, OptionalFlagsByte: 0x7},
		{HasDict: true},
	}
	// The bitfield alone does not carry OptionalFlagsByte (the preface
	// writes it as a separate byte), so round-trip through a full header.
	for _, f := range tests {
		h := sampleHeader(t)
		h.Flags = f
		for i := range h.Index.Chunks {
			h.Index.Chunks[i].UncompDigest = h.Index.Chunks[i].Digest
		}
		buf, err := h.Finalize()
		if err != nil {
			t.Fatalf("Finalize(%+v): %v", f, err)
		}
		got := parseFull(t, buf).Flags
		if got != f {
			t.Errorf("header round trip of flags %+v = %+v", f, got)
		}
	}
}

func TestParseLeadRejectsBadMagic(t *testing.T) {
	t.Parallel()

	buf := make([]byte, MinLeadProbe)
	copy(buf, "garbage")
	_, _, _, _, err := parseLead(buf)
	if err == nil {
		t.Fatal("parseLead: want error, got nil")
	}
	if !errors.Is(err, ErrDecode) {
		t.Errorf("error = %v, want ErrDecode", err)
	}
}

func TestIndexTotalLengthExcludesDict(t *testing.T) {
	t.Parallel()

	idx := Index{
		Chunks: []Chunk{
			{Length: 100}, // dict
			{Length: 10},
			{Length: 20},
		},
	}
	if got := idx.TotalLength(true); got != 30 {
		t.Errorf("TotalLength(hasDict=true) = %d, want 30", got)
	}
	if got := idx.TotalLength(false); got != 130 {
		t.Errorf("TotalLength(hasDict=false) = %d, want 130", got)
	}
}
