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
	"fmt"
)

// errZchunk is the base error for all go-zchunk errors, mirroring the
// single-sentinel-plus-wrapping pattern used throughout the package.
var errZchunk = errors.New("zchunk")

// Error taxonomy kinds (spec.md §7). Every public error wraps exactly one
// of these so callers can errors.Is against the kind rather than a message.
var (
	// ErrConfig indicates an invalid option, an unsupported codec/hash on
	// this build, or an incompatible combination of options.
	ErrConfig = errors.New("config error")

	// ErrDecode indicates the on-disk header is malformed: bad magic, a
	// compint that overflows or runs past the declared length, a
	// header-digest mismatch, or an index whose shape is impossible.
	ErrDecode = errors.New("decode error")

	// ErrIntegrity indicates a chunk digest or the full-data digest did
	// not match the stored value.
	ErrIntegrity = errors.New("integrity error")

	// ErrIO indicates a read, write, or seek failure on the backing
	// descriptor.
	ErrIO = errors.New("i/o error")

	// ErrTransport indicates the range fetcher returned an unexpected
	// status, a multipart body could not be parsed, or a range was
	// truncated.
	ErrTransport = errors.New("transport error")
)

// configErrf wraps a formatted message as an ErrConfig.
func configErrf(format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", errZchunk, fmt.Sprintf(format, args...), ErrConfig)
}

// decodeErrf wraps a formatted message as an ErrDecode.
func decodeErrf(format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", errZchunk, fmt.Sprintf(format, args...), ErrDecode)
}

// integrityErrf wraps a formatted message as an ErrIntegrity.
func integrityErrf(format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", errZchunk, fmt.Sprintf(format, args...), ErrIntegrity)
}

// ioErr wraps an underlying I/O error as an ErrIO.
func ioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w: %w", errZchunk, op, ErrIO, err)
}

// transportErrf wraps a formatted message as an ErrTransport.
func transportErrf(format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", errZchunk, fmt.Sprintf(format, args...), ErrTransport)
}

// sticky latches the first fatal error seen by a Context (spec.md §3).
// Subsequent calls must check Err and return it unchanged until the caller
// discards the context, mirroring the teacher's simpler "closed bool"
// sticky-close check in Writer.Write/Writer.Close.
type sticky struct {
	err   error
	fatal bool
}

// poison latches err as fatal if nothing fatal has been latched yet. It is a
// no-op if err is nil or the context is already poisoned.
func (s *sticky) poison(err error) error {
	if err == nil {
		return nil
	}
	if !s.fatal {
		s.err = err
		s.fatal = true
	}
	return err
}

// check returns the latched fatal error, if any.
func (s *sticky) check() error {
	if s.fatal {
		return s.err
	}
	return nil
}
