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
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"
)

// ReaderOption configures a Reader at construction.
type ReaderOption func(*Reader)

// WithReaderLogger attaches a logger the Reader uses to report validation
// outcomes. A nil logger (the default) means silent (spec.md §2.2's ambient
// logging injection point).
func WithReaderLogger(logger *slog.Logger) ReaderOption {
	return func(r *Reader) { r.log = logger }
}

// Reader implements [io.Reader], [io.ReaderAt], and [io.Seeker] over a
// zchunk file's logical uncompressed data stream (spec.md §4.6). The
// dictionary chunk, if present, is never part of the stream Read/ReadAt/Seek
// expose.
//
// It is the caller's responsibility to call [Reader.Close] when done; Close
// does not close the underlying [io.ReadSeeker].
type Reader struct {
	r io.ReadSeeker

	header    *Header
	headerLen int64
	codec     Codec

	// dataOffsets[i] is the on-disk byte offset of the compressed bytes for
	// header.Index.DataChunks()[i].
	dataOffsets []int64

	offset int64 // current logical read offset, dict excluded

	lastChunk     int
	lastChunkData []byte
	haveLastChunk bool

	log *slog.Logger

	sticky
	closed bool
}

// NewReader parses the header from r and returns a Reader ready to read the
// logical uncompressed data stream. It calls Seek on r to read from the
// beginning.
func NewReader(r io.ReadSeeker, opts ...ReaderOption) (*Reader, error) {
	header, headerLen, err := probeHeader(r)
	if err != nil {
		return nil, err
	}

	codec, err := newCodec(header.CompKind, 0, nil)
	if err != nil {
		return nil, err
	}

	offsets := make([]int64, 0, len(header.Index.Chunks))
	cur := headerLen
	for _, c := range header.Index.Chunks {
		offsets = append(offsets, cur)
		cur += int64(c.CompLength)
	}
	var dataOffsets []int64
	if header.HasDict && len(offsets) > 0 {
		dataOffsets = offsets[1:]
	} else {
		dataOffsets = offsets
	}

	z := &Reader{
		r:           r,
		header:      header,
		headerLen:   headerLen,
		codec:       codec,
		dataOffsets: dataOffsets,
	}
	for _, opt := range opts {
		opt(z)
	}

	// Data chunks of a file with a dictionary were compressed against it, so
	// the codec is rebuilt primed with the decoded dictionary chunk.
	if header.HasDict {
		dict, err := z.DictBytes()
		if err != nil {
			codec.Close()
			return nil, err
		}
		dictCodec, err := newCodec(header.CompKind, 0, dict)
		codec.Close()
		if err != nil {
			return nil, err
		}
		z.codec = dictCodec
	}
	return z, nil
}

// probeHeader reads and parses a zchunk header from the start of r,
// returning the parsed Header and the header's total on-disk length. It
// mirrors the HeaderParser's NeedLead→NeedRest driving loop a streaming
// transport would use, but against a concrete io.ReadSeeker (spec.md §4.4).
func probeHeader(r io.ReadSeeker) (*Header, int64, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, 0, ioErr("seeking to start", err)
	}

	probe := make([]byte, MinLeadProbe)
	n, err := io.ReadFull(r, probe)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, 0, ioErr("reading lead", err)
	}
	probe = probe[:n]

	p := NewHeaderParser()
	leadLen, err := p.Feed(probe)
	if err != nil {
		return nil, 0, err
	}

	need := p.NeedBytes()
	leftover := probe[leadLen:]
	restBuf := make([]byte, need)
	copy(restBuf, leftover)

	switch {
	case len(leftover) < need:
		if _, err := io.ReadFull(r, restBuf[len(leftover):]); err != nil {
			return nil, 0, ioErr("reading header", err)
		}
	case len(leftover) > need:
		if _, err := r.Seek(int64(leadLen)+int64(need), io.SeekStart); err != nil {
			return nil, 0, ioErr("seeking past header", err)
		}
	}

	if _, err := p.Feed(restBuf); err != nil {
		return nil, 0, err
	}
	h, err := p.Header()
	if err != nil {
		return nil, 0, err
	}

	return h, int64(leadLen) + int64(need), nil
}

// Header returns the parsed header.
func (z *Reader) Header() *Header { return z.header }

// Close releases codec resources. It does not close the underlying
// io.ReadSeeker.
func (z *Reader) Close() error {
	if z.closed {
		return nil
	}
	z.closed = true
	z.codec.Close()
	return nil
}

// Read implements io.Reader over the logical uncompressed data stream.
func (z *Reader) Read(p []byte) (int, error) {
	if err := z.sticky.check(); err != nil {
		return 0, err
	}
	n, err := z.readAt(p, z.offset)
	z.offset += int64(n)
	if err != nil && err != io.EOF {
		z.sticky.poison(err)
	}
	return n, err
}

// ReadAt implements io.ReaderAt over the logical uncompressed data stream.
func (z *Reader) ReadAt(p []byte, off int64) (int, error) {
	if err := z.sticky.check(); err != nil {
		return 0, err
	}
	n, err := z.readAt(p, off)
	if err != nil && err != io.EOF {
		z.sticky.poison(err)
	}
	return n, err
}

// Seek implements io.Seeker over the logical uncompressed data stream.
func (z *Reader) Seek(offset int64, whence int) (int64, error) {
	total := int64(z.header.Index.TotalLength(z.header.HasDict))
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = z.offset + offset
	case io.SeekEnd:
		newOffset = total + offset
	default:
		return z.offset, decodeErrf("Seek: unsupported whence %d", whence)
	}
	if newOffset < 0 {
		return z.offset, decodeErrf("Seek: negative offset")
	}
	z.offset = newOffset
	return z.offset, nil
}

func (z *Reader) readAt(p []byte, off int64) (int, error) {
	dataChunks := z.header.Index.DataChunks(z.header.HasDict)
	total := int64(z.header.Index.TotalLength(z.header.HasDict))
	if off >= total {
		return 0, io.EOF
	}

	idx := chunkAt(dataChunks, off)
	if idx < 0 {
		return 0, io.EOF
	}

	var n int
	for n < len(p) {
		if idx >= len(dataChunks) {
			break
		}
		c := dataChunks[idx]
		data, err := z.chunkData(idx)
		if err != nil {
			return n, err
		}

		within := off + int64(n) - int64(c.Start)
		if within < 0 || within >= int64(len(data)) {
			break
		}
		copied := copy(p[n:], data[within:])
		n += copied
		idx++
	}

	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// chunkAt returns the index into dataChunks containing logical offset off,
// or -1 if off lies past every chunk.
func chunkAt(dataChunks []Chunk, off int64) int {
	i := sort.Search(len(dataChunks), func(i int) bool {
		return int64(dataChunks[i].Start)+int64(dataChunks[i].Length) > off
	})
	if i == len(dataChunks) {
		return -1
	}
	return i
}

// chunkData returns the decompressed bytes of data chunk idx, reading and
// decompressing from the underlying reader if not already cached. Only the
// most recently used chunk is cached, which is sufficient for sequential
// Read/ReadAt access patterns (spec.md §4.6 does not mandate a larger
// cache).
//
// On first decompression of a chunk, its digest is verified against the
// stored chunk digest (spec.md §4.6: "on crossing a chunk boundary the
// running per-chunk digest is finalized and compared to the stored digest;
// mismatch marks the chunk failed and propagates an error"). A chunk that
// has already been validated (Valid == ChunkValid, e.g. by
// [Reader.ValidateChecksums] or [Reader.FindValidChunks]) is not re-hashed.
func (z *Reader) chunkData(idx int) ([]byte, error) {
	if z.haveLastChunk && z.lastChunk == idx {
		return z.lastChunkData, nil
	}

	dataChunks := z.header.Index.DataChunks(z.header.HasDict)
	c := dataChunks[idx]
	compOff := z.dataOffsets[idx]

	if _, err := z.r.Seek(compOff, io.SeekStart); err != nil {
		return nil, ioErr("seeking to chunk", err)
	}
	compBuf := make([]byte, c.CompLength)
	if _, err := io.ReadFull(z.r, compBuf); err != nil {
		return nil, ioErr("reading chunk payload", err)
	}

	data, err := z.codec.DecompressChunk(compBuf, int(c.Length))
	if err != nil {
		return nil, err
	}

	if c.Valid != ChunkValid {
		if err := z.verifyChunkDigest(idx, data); err != nil {
			return nil, err
		}
	}

	z.lastChunk = idx
	z.lastChunkData = data
	z.haveLastChunk = true
	return data, nil
}

// verifyChunkDigest hashes data under the chunk-hash kind and compares it to
// the stored digest for data chunk idx, marking the underlying index entry
// ChunkValid or ChunkFailed in place. idx indexes the data-chunk slice
// (dictionary excluded), matching chunkData's idx.
func (z *Reader) verifyChunkDigest(idx int, data []byte) error {
	dataChunks := z.header.Index.DataChunks(z.header.HasDict)
	c := dataChunks[idx]

	d, err := newDigester(z.header.Index.ChunkHashKind)
	if err != nil {
		return err
	}
	d.Write(data)

	full := idx
	if z.header.HasDict {
		full = idx + 1
	}

	if !bytes.Equal(d.Sum(), c.Digest) {
		z.header.Index.Chunks[full].Valid = ChunkFailed
		if z.log != nil {
			z.log.Warn("zchunk: chunk digest mismatch", "chunk", idx)
		}
		return integrityErrf("chunk %d: digest mismatch", idx)
	}
	z.header.Index.Chunks[full].Valid = ChunkValid
	return nil
}

// DictBytes returns the decompressed dictionary chunk's bytes, or nil if the
// file has no dictionary (spec.md §4.6). It is used by the delta engine to
// prime a codec matching a target header that carries the HasDict flag but
// no payload of its own.
func (z *Reader) DictBytes() ([]byte, error) {
	if !z.header.HasDict || len(z.header.Index.Chunks) == 0 {
		return nil, nil
	}
	c := z.header.Index.Chunks[0]
	buf := make([]byte, c.CompLength)
	if _, err := z.readCompressedAt(buf, z.headerLen); err != nil {
		return nil, ioErr("reading dictionary chunk", err)
	}
	return z.codec.DecompressChunk(buf, int(c.Length))
}

// FindValidChunks recomputes the digest of every chunk (dictionary included,
// if present) at its declared offset against the bytes currently available
// from the underlying reader, marking each Chunk's Valid field ChunkValid on
// a match and ChunkMissing otherwise (original_source/include/zck.h's
// zck_find_valid_chunks, recovered per SPEC_FULL.md §4; this is the
// resume-from-partial-local-file entry point used by zck_dl.c and
// copy_chunks.c to seed a Delta from a file that is itself the donor).
//
// It returns -1 on an I/O error unrelated to running out of data (the
// partial file simply ending partway through a chunk's compressed bytes is
// not an error: that chunk, and every chunk after it, is marked
// ChunkMissing), 1 if every chunk is valid once the pass completes, and 0
// otherwise.
func (z *Reader) FindValidChunks() (int, error) {
	all := z.header.Index.Chunks

	for i := range all {
		compOff := z.chunkCompOffset(i)
		buf := make([]byte, all[i].CompLength)

		n, err := z.readCompressedAt(buf, compOff)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				for j := i; j < len(all); j++ {
					all[j].Valid = ChunkMissing
				}
				break
			}
			return -1, ioErr("reading chunk payload", err)
		}
		if n != len(buf) {
			for j := i; j < len(all); j++ {
				all[j].Valid = ChunkMissing
			}
			break
		}

		raw, err := z.codec.DecompressChunk(buf, int(all[i].Length))
		if err != nil {
			all[i].Valid = ChunkMissing
			continue
		}

		d, err := newDigester(z.header.Index.ChunkHashKind)
		if err != nil {
			return -1, err
		}
		d.Write(raw)
		if bytes.Equal(d.Sum(), all[i].Digest) {
			all[i].Valid = ChunkValid
		} else {
			all[i].Valid = ChunkMissing
		}
	}

	allValid := true
	for i := range all {
		if all[i].Valid != ChunkValid {
			allValid = false
			break
		}
	}
	if z.log != nil {
		z.log.Debug("zchunk: found valid chunks", "chunks", len(all), "all_valid", allValid)
	}
	if allValid {
		return 1, nil
	}
	return 0, nil
}

// ValidateDataDigest reads the entire logical data stream and confirms its
// hash under the header's full-hash kind matches FullDataDigest
// (original_source/include/zck.h's zck_validate_data_digest, recovered per
// SPEC_FULL.md §4).
func (z *Reader) ValidateDataDigest() error {
	d, err := newDigester(z.header.FullHashKind)
	if err != nil {
		return err
	}

	dataChunks := z.header.Index.DataChunks(z.header.HasDict)
	for i := range dataChunks {
		data, err := z.chunkData(i)
		if err != nil {
			return err
		}
		d.Write(data)
	}

	sum := d.Sum()
	if !bytes.Equal(sum, z.header.FullDataDigest) {
		return integrityErrf("full data digest mismatch")
	}
	return nil
}

// ValidateChecksums decompresses and re-hashes every chunk (dictionary
// included, if present) under the chunk-hash kind, marking each Chunk's
// Valid field ChunkValid or ChunkFailed in place. Chunks are validated
// concurrently via an errgroup, since this is a whole-file inspection pass
// rather than one of the streaming suspension points spec.md §5 constrains
// to single-threaded operation.
func (z *Reader) ValidateChecksums(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if _, ok := z.r.(io.ReaderAt); !ok {
		// readCompressedAt falls back to Seek+ReadFull, which must not run
		// concurrently: check one chunk at a time.
		g.SetLimit(1)
	}

	all := z.header.Index.Chunks
	results := make([]ChunkValidity, len(all))

	for i := range all {
		i := i
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			compOff := z.chunkCompOffset(i)
			buf := make([]byte, all[i].CompLength)

			// Reads run in parallel only when z.r implements io.ReaderAt
			// (e.g. *os.File or *bytes.Reader); otherwise the limit set
			// above runs them one at a time.
			n, err := z.readCompressedAt(buf, compOff)
			if err != nil || n != len(buf) {
				results[i] = ChunkFailed
				return nil
			}

			raw, err := z.codec.DecompressChunk(buf, int(all[i].Length))
			if err != nil {
				results[i] = ChunkFailed
				return nil
			}

			d, err := newDigester(z.header.Index.ChunkHashKind)
			if err != nil {
				return err
			}
			d.Write(raw)
			if bytes.Equal(d.Sum(), all[i].Digest) {
				results[i] = ChunkValid
			} else {
				results[i] = ChunkFailed
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: validating checksums: %w", errZchunk, err)
	}

	var failed int
	for i := range all {
		z.header.Index.Chunks[i].Valid = results[i]
		if results[i] == ChunkFailed {
			failed++
		}
	}
	if z.log != nil {
		z.log.Debug("zchunk: validated checksums", "chunks", len(all), "failed", failed)
	}
	return nil
}

// chunkCompOffset returns the on-disk offset of header.Index.Chunks[i]'s
// compressed bytes (dict chunk included, unlike dataOffsets).
func (z *Reader) chunkCompOffset(i int) int64 {
	offset := z.headerLen
	for j := 0; j < i; j++ {
		offset += int64(z.header.Index.Chunks[j].CompLength)
	}
	return offset
}

// readCompressedAt reads len(p) bytes at absolute file offset off. If the
// underlying reader implements io.ReaderAt, that is used directly so
// concurrent callers (ValidateChecksums's errgroup) don't race on a shared
// seek position; otherwise it falls back to Seek+ReadFull, which is not
// safe to call concurrently.
func (z *Reader) readCompressedAt(p []byte, off int64) (int, error) {
	if ra, ok := z.r.(io.ReaderAt); ok {
		return ra.ReadAt(p, off)
	}
	if _, err := z.r.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(z.r, p)
}
