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
	"fmt"
	"io"
	"log/slog"
	"os"
)

// chunkingMode selects how Writer decides chunk boundaries (spec.md §4.5).
type chunkingMode int

const (
	chunkingManual chunkingMode = iota
	chunkingCDC
	chunkingSplitString
)

// writerConfig holds everything Writer.configure accepts (spec.md §4.5). It
// is built up by Option functions and frozen at NewWriter time, which
// satisfies "configure before any write" by construction: there is no path
// to apply an Option after the first Write.
type writerConfig struct {
	fullHash   HashKind
	chunkHashK HashKind
	comp       CompKind
	zstdLevel  int
	dict       []byte
	hasDict    bool

	mode         chunkingMode
	windowSize   int
	boundaryBits int
	splitString  []byte

	uncompChecksums bool

	log *slog.Logger
}

// Option configures a Writer, mirroring the functional-options shape the
// teacher uses for NewWriterLevel (level, chunkSize), generalized to
// spec.md §4.5's full option set.
type Option func(*writerConfig) error

// WithFullHash sets the full-hash kind (default HashSHA256).
func WithFullHash(k HashKind) Option {
	return func(c *writerConfig) error {
		if !k.Valid() {
			return configErrf("unsupported full hash kind %d", byte(k))
		}
		c.fullHash = k
		return nil
	}
}

// WithChunkHash sets the chunk-hash kind (default HashSHA1, for
// compatibility with legacy zchunk readers; HashSHA256 is recommended for
// new files per spec.md §4.5).
func WithChunkHash(k HashKind) Option {
	return func(c *writerConfig) error {
		if !k.Valid() {
			return configErrf("unsupported chunk hash kind %d", byte(k))
		}
		c.chunkHashK = k
		return nil
	}
}

// WithCodec sets the chunk compression codec (default CompZstd).
func WithCodec(k CompKind) Option {
	return func(c *writerConfig) error {
		c.comp = k
		return nil
	}
}

// WithZstdLevel sets the reference-scale (1-22) zstd level (default
// DefaultZstdLevel). Ignored if the codec is not CompZstd.
func WithZstdLevel(level int) Option {
	return func(c *writerConfig) error {
		if level < 1 || level > 22 {
			return configErrf("zstd level %d out of range [1,22]", level)
		}
		c.zstdLevel = level
		return nil
	}
}

// WithDictionary configures a compression dictionary. The dictionary
// occupies chunk 0 (spec.md §4.5) and is never part of the logical
// uncompressed data stream a Reader yields.
func WithDictionary(dict []byte) Option {
	return func(c *writerConfig) error {
		c.dict = dict
		c.hasDict = true
		return nil
	}
}

// WithManualChunking selects the default chunking policy: chunks close only
// on an explicit EndChunk call (spec.md §4.5). It exists mainly so a caller
// can make its intent explicit, or override an earlier CDC/split-string
// Option passed in the same NewWriter call.
func WithManualChunking() Option {
	return func(c *writerConfig) error {
		c.mode = chunkingManual
		return nil
	}
}

// WithContentDefinedChunking enables buzhash-based content-defined chunking
// (spec.md §4.5). A windowSize or boundaryBits of 0 falls back to
// DefaultWindowSize or DefaultBoundaryBits respectively.
func WithContentDefinedChunking(windowSize, boundaryBits int) Option {
	return func(c *writerConfig) error {
		if windowSize < 0 || boundaryBits < 0 || boundaryBits > 63 {
			return configErrf("invalid content-defined chunking parameters: window=%d bits=%d", windowSize, boundaryBits)
		}
		if windowSize == 0 {
			windowSize = DefaultWindowSize
		}
		if boundaryBits == 0 {
			boundaryBits = DefaultBoundaryBits
		}
		c.mode = chunkingCDC
		c.windowSize = windowSize
		c.boundaryBits = boundaryBits
		return nil
	}
}

// WithSplitString enables split-string chunking: every occurrence of
// pattern closes the current chunk immediately before the pattern and opens
// a new chunk beginning with the pattern (spec.md §4.5).
func WithSplitString(pattern []byte) Option {
	return func(c *writerConfig) error {
		if len(pattern) == 0 {
			return configErrf("split string pattern must not be empty")
		}
		c.mode = chunkingSplitString
		c.splitString = append([]byte(nil), pattern...)
		return nil
	}
}

// WithUncompressedChecksums sets the header's has_uncompressed_checksums
// flag, causing every chunk entry, the dictionary chunk included, to
// additionally carry an uncompressed-data digest alongside its primary
// digest (spec.md §3, §6).
func WithUncompressedChecksums() Option {
	return func(c *writerConfig) error {
		c.uncompChecksums = true
		return nil
	}
}

// WithLogger attaches a logger the Writer uses to report chunk boundaries
// and finalization. A nil logger (the default) means silent (spec.md §2.2's
// ambient logging injection point).
func WithLogger(logger *slog.Logger) Option {
	return func(c *writerConfig) error {
		c.log = logger
		return nil
	}
}

func defaultWriterConfig() writerConfig {
	return writerConfig{
		fullHash:     HashSHA256,
		chunkHashK:   HashSHA1,
		comp:         CompZstd,
		zstdLevel:    DefaultZstdLevel,
		mode:         chunkingManual,
		windowSize:   DefaultWindowSize,
		boundaryBits: DefaultBoundaryBits,
	}
}

// Writer accepts bytes plus (depending on configuration) explicit or
// content-defined chunk boundaries, stages compressed chunks to a scratch
// file, and on Close finalizes the header and emits the complete zchunk
// file to its output (spec.md §4.5). No data appears at the output until
// Close is called.
type Writer struct {
	cfg   writerConfig
	out   io.Writer
	codec Codec

	scratch *os.File

	curChunk bytes.Buffer
	bz       *buzhash

	chunks       []Chunk
	runningStart uint64

	fullDigest *digester

	sticky
	closed bool
}

// NewWriter returns a Writer that will emit a complete zchunk file to out
// when Close is called.
func NewWriter(out io.Writer, opts ...Option) (*Writer, error) {
	cfg := defaultWriterConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	codec, err := newCodec(cfg.comp, cfg.zstdLevel, cfg.dict)
	if err != nil {
		return nil, err
	}

	scratch, err := os.CreateTemp("", "zchunk-*.scratch")
	if err != nil {
		codec.Close()
		return nil, ioErr("creating scratch file", err)
	}

	fullDigest, err := newDigester(cfg.fullHash)
	if err != nil {
		scratch.Close()
		os.Remove(scratch.Name())
		codec.Close()
		return nil, err
	}

	w := &Writer{
		cfg:        cfg,
		out:        out,
		codec:      codec,
		scratch:    scratch,
		fullDigest: fullDigest,
	}
	if cfg.mode == chunkingCDC {
		w.bz = newBuzhash(cfg.windowSize)
	}
	return w, nil
}

// Write appends p to the current chunk. Depending on the configured
// chunking policy, it may close one or more chunk boundaries along the way
// (spec.md §4.5).
func (w *Writer) Write(p []byte) (int, error) {
	if err := w.sticky.check(); err != nil {
		return 0, err
	}
	if w.closed {
		return 0, w.sticky.poison(ioErr("Write", fmt.Errorf("write on closed writer")))
	}

	switch w.cfg.mode {
	case chunkingManual:
		return w.writeManual(p)
	case chunkingCDC:
		return w.writeCDC(p)
	case chunkingSplitString:
		return w.writeSplitString(p)
	default:
		return 0, w.sticky.poison(configErrf("unknown chunking mode %d", w.cfg.mode))
	}
}

func (w *Writer) writeManual(p []byte) (int, error) {
	n, err := w.curChunk.Write(p)
	if err != nil {
		return n, w.sticky.poison(ioErr("buffering chunk data", err))
	}
	w.fullDigest.Write(p)
	return n, nil
}

func (w *Writer) writeCDC(p []byte) (int, error) {
	for i, c := range p {
		if err := w.curChunk.WriteByte(c); err != nil {
			return i, w.sticky.poison(ioErr("buffering chunk data", err))
		}
		w.fullDigest.Write(p[i : i+1])

		w.bz.Roll(c)
		if w.bz.AtBoundary(uint(w.cfg.boundaryBits)) {
			if err := w.endChunkInternal(); err != nil {
				return i + 1, err
			}
		}
	}
	return len(p), nil
}

func (w *Writer) writeSplitString(p []byte) (int, error) {
	pattern := w.cfg.splitString
	for i, c := range p {
		if err := w.curChunk.WriteByte(c); err != nil {
			return i, w.sticky.poison(ioErr("buffering chunk data", err))
		}
		w.fullDigest.Write(p[i : i+1])

		buf := w.curChunk.Bytes()
		if len(buf) < len(pattern) || !bytes.Equal(buf[len(buf)-len(pattern):], pattern) {
			continue
		}
		splitPoint := len(buf) - len(pattern)
		if splitPoint == 0 {
			// The buffer so far is exactly the pattern with nothing ahead
			// of it: nothing to close yet.
			continue
		}
		head := append([]byte(nil), buf[:splitPoint]...)
		tail := append([]byte(nil), buf[splitPoint:]...)
		w.curChunk.Reset()
		w.curChunk.Write(head)
		if err := w.endChunkInternal(); err != nil {
			return i + 1, err
		}
		w.curChunk.Write(tail)
	}
	return len(p), nil
}

// EndChunk finalizes the current chunk (spec.md §4.5). If the chunk is
// empty, it is elided rather than recorded with comp_length 0, preserving
// the invariant that comp_length == 0 iff length == 0 only for the dict
// chunk (spec.md §3).
func (w *Writer) EndChunk() error {
	if err := w.sticky.check(); err != nil {
		return err
	}
	if w.closed {
		return w.sticky.poison(ioErr("EndChunk", fmt.Errorf("EndChunk on closed writer")))
	}
	return w.endChunkInternal()
}

// endChunkInternal compresses and stages the current chunk, then resets
// chunk-local state. It is also called by the CDC and split-string Write
// paths when they detect a boundary.
func (w *Writer) endChunkInternal() error {
	raw := w.curChunk.Bytes()
	if len(raw) == 0 {
		if w.bz != nil {
			w.bz.Reset()
		}
		return nil
	}

	d, err := newDigester(w.cfg.chunkHashK)
	if err != nil {
		return w.sticky.poison(err)
	}
	d.Write(raw)
	digest := d.Sum()

	compressed, err := w.codec.CompressChunk(raw)
	if err != nil {
		return w.sticky.poison(configErrf("compressing chunk: %v", err))
	}

	if _, err := w.scratch.Write(compressed); err != nil {
		return w.sticky.poison(ioErr("writing staged chunk", err))
	}

	chunk := Chunk{
		Digest:     digest,
		CompLength: uint64(len(compressed)),
		Length:     uint64(len(raw)),
		Start:      w.runningStart,
	}
	if w.cfg.uncompChecksums {
		chunk.UncompDigest = append([]byte(nil), digest...)
	}
	w.runningStart += chunk.Length
	w.chunks = append(w.chunks, chunk)

	if w.cfg.log != nil {
		w.cfg.log.Debug("zchunk: chunk closed", "index", len(w.chunks)-1, "length", chunk.Length, "comp_length", chunk.CompLength)
	}

	w.curChunk.Reset()
	if w.bz != nil {
		w.bz.Reset()
	}
	return nil
}

// Close flushes any open chunk, computes the full-data digest, builds and
// finalizes the header, and emits the complete zchunk file: header followed
// by staged chunk bytes in index order (spec.md §4.5).
func (w *Writer) Close() error {
	if err := w.sticky.check(); err != nil {
		return err
	}
	if w.closed {
		return nil
	}
	w.closed = true
	defer func() {
		w.scratch.Close()
		os.Remove(w.scratch.Name())
		w.codec.Close()
	}()

	if err := w.endChunkInternal(); err != nil {
		return err
	}

	var dictChunk *Chunk
	if w.cfg.hasDict {
		compressed, err := compressDictChunk(w.cfg.comp, w.cfg.zstdLevel, w.cfg.dict)
		if err != nil {
			return w.sticky.poison(err)
		}
		dd, err := newDigester(w.cfg.chunkHashK)
		if err != nil {
			return w.sticky.poison(err)
		}
		dd.Write(w.cfg.dict)
		c := Chunk{
			Digest:     dd.Sum(),
			CompLength: uint64(len(compressed)),
			Length:     uint64(len(w.cfg.dict)),
		}
		if w.cfg.uncompChecksums {
			c.UncompDigest = append([]byte(nil), c.Digest...)
		}
		dictChunk = &c

		if err := w.prependScratch(compressed); err != nil {
			return w.sticky.poison(err)
		}
	}

	allChunks := w.chunks
	if dictChunk != nil {
		allChunks = append([]Chunk{*dictChunk}, allChunks...)
	}

	header := &Header{
		FullHashKind:   w.cfg.fullHash,
		FullDataDigest: w.fullDigest.Sum(),
		Flags: HeaderFlags{
			HasUncompressedChecksums: w.cfg.uncompChecksums,
			HasDict:                  w.cfg.hasDict,
		},
		CompKind: w.cfg.comp,
		Index: Index{
			ChunkHashKind: w.cfg.chunkHashK,
			Chunks:        allChunks,
		},
	}

	headerBytes, err := header.Finalize()
	if err != nil {
		return w.sticky.poison(err)
	}

	if _, err := w.out.Write(headerBytes); err != nil {
		return w.sticky.poison(ioErr("writing header", err))
	}

	if _, err := w.scratch.Seek(0, io.SeekStart); err != nil {
		return w.sticky.poison(ioErr("seeking scratch file", err))
	}
	if _, err := io.Copy(w.out, w.scratch); err != nil {
		return w.sticky.poison(ioErr("writing chunk payload", err))
	}

	if w.cfg.log != nil {
		w.cfg.log.Info("zchunk: write finalized", "chunks", len(allChunks), "has_dict", w.cfg.hasDict)
	}

	return nil
}

// prependScratch rewrites the scratch file with data prepended to its
// existing contents. The scratch file is small (one file's worth of staged
// chunks), so a read-all/rewrite is acceptable; this only runs once, at
// Close, and only when a dictionary is configured.
func (w *Writer) prependScratch(data []byte) error {
	if _, err := w.scratch.Seek(0, io.SeekStart); err != nil {
		return ioErr("seeking scratch file", err)
	}
	rest, err := io.ReadAll(w.scratch)
	if err != nil {
		return ioErr("reading scratch file", err)
	}
	if err := w.scratch.Truncate(0); err != nil {
		return ioErr("truncating scratch file", err)
	}
	if _, err := w.scratch.Seek(0, io.SeekStart); err != nil {
		return ioErr("seeking scratch file", err)
	}
	if _, err := w.scratch.Write(data); err != nil {
		return ioErr("writing scratch file", err)
	}
	if _, err := w.scratch.Write(rest); err != nil {
		return ioErr("writing scratch file", err)
	}
	return nil
}
