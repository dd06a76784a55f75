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
	"testing"

	"github.com/google/go-cmp/cmp"
)

// writeOp is one call to Writer.Write or Writer.EndChunk.
type writeOp struct {
	data     []byte // nil means "call EndChunk instead of Write"
	endChunk bool
}

func readBack(t *testing.T, buf *bytes.Buffer) []byte {
	t.Helper()

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(io.NewSectionReader(r, 0, int64(r.Header().Index.TotalLength(r.Header().HasDict))))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return got
}

func TestWriterManualChunking(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		ops  []writeOp
		want []byte
	}{
		{
			name: "empty file",
			ops:  nil,
			want: []byte{},
		},
		{
			name: "single write, implicit close flush",
			ops: []writeOp{
				{data: []byte("foo bar baz")},
			},
			want: []byte("foo bar baz"),
		},
		{
			name: "multiple writes one chunk",
			ops: []writeOp{
				{data: []byte("foo ")},
				{data: []byte("bar ")},
				{data: []byte("baz")},
			},
			want: []byte("foo bar baz"),
		},
		{
			name: "explicit end chunk between writes",
			ops: []writeOp{
				{data: []byte("chunk1")},
				{endChunk: true},
				{data: []byte("chunk2")},
				{endChunk: true},
				{data: []byte("chunk3")},
			},
			want: []byte("chunk1chunk2chunk3"),
		},
		{
			name: "trailing explicit end chunk is idempotent with Close flush",
			ops: []writeOp{
				{data: []byte("only")},
				{endChunk: true},
			},
			want: []byte("only"),
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			w, err := NewWriter(&buf)
			if err != nil {
				t.Fatalf("NewWriter: %v", err)
			}

			for _, op := range tc.ops {
				if op.endChunk {
					if err := w.EndChunk(); err != nil {
						t.Fatalf("EndChunk: %v", err)
					}
					continue
				}
				n, err := w.Write(op.data)
				if err != nil {
					t.Fatalf("Write: %v", err)
				}
				if n != len(op.data) {
					t.Errorf("Write: n = %d, want %d", n, len(op.data))
				}
			}

			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			got := readBack(t, &buf)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("round trip data (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriterContentDefinedChunking(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)

	var buf bytes.Buffer
	w, err := NewWriter(&buf, WithContentDefinedChunking(16, 6))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := readBack(t, &buf)
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("round trip data (-want +got):\n%s", diff)
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	if len(r.Header().Index.Chunks) < 2 {
		t.Errorf("content-defined chunking produced %d chunks, want more than 1 for this input size", len(r.Header().Index.Chunks))
	}
}

func TestWriterSplitString(t *testing.T) {
	t.Parallel()

	pattern := []byte("<BOUNDARY>")
	input := []byte("A<BOUNDARY>B<BOUNDARY>C")

	var buf bytes.Buffer
	w, err := NewWriter(&buf, WithSplitString(pattern))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write(input); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	wantChunks := [][]byte{
		[]byte("A"),
		[]byte("<BOUNDARY>B"),
		[]byte("<BOUNDARY>C"),
	}
	chunks := r.Header().Index.DataChunks(r.Header().HasDict)
	if len(chunks) != len(wantChunks) {
		t.Fatalf("len(chunks) = %d, want %d", len(chunks), len(wantChunks))
	}
	for i, want := range wantChunks {
		if chunks[i].Length != uint64(len(want)) {
			t.Errorf("chunk %d length = %d, want %d", i, chunks[i].Length, len(want))
		}
	}

	got := readBack(t, &buf)
	if diff := cmp.Diff(input, got); diff != "" {
		t.Errorf("round trip data (-want +got):\n%s", diff)
	}
}

func TestWriterDictionary(t *testing.T) {
	t.Parallel()

	dict := []byte("common preamble text shared across files")
	data := []byte("file-specific payload that follows the dictionary")

	var buf bytes.Buffer
	w, err := NewWriter(&buf, WithDictionary(dict))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if !r.Header().HasDict {
		t.Fatal("HasDict = false, want true")
	}
	// The dictionary chunk must never appear in the logical data stream.
	got := readBack(t, &buf)
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("round trip data (-want +got):\n%s", diff)
	}
}

func TestWriterNoDictionaryHasNoChunkZero(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write([]byte("no dictionary here")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if r.Header().HasDict {
		t.Fatal("HasDict = true, want false")
	}
	if len(r.Header().Index.Chunks) != 1 {
		t.Fatalf("len(Chunks) = %d, want 1 (no sentinel dict entry)", len(r.Header().Index.Chunks))
	}
}

func TestWriterUncompressedChecksums(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := NewWriter(&buf, WithUncompressedChecksums())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write([]byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if !r.Header().Flags.HasUncompressedChecksums {
		t.Fatal("HasUncompressedChecksums = false, want true")
	}
	for i, c := range r.Header().Index.Chunks {
		if len(c.UncompDigest) == 0 {
			t.Errorf("chunk %d: UncompDigest empty, want populated", i)
		}
	}
}

func TestWriteOnClosedWriterFails(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := w.Write([]byte("too late")); err == nil {
		t.Fatal("Write after Close: want error, got nil")
	}
}
