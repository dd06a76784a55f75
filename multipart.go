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
	"mime"
	"strings"
)

// multipartState is the dispatcher's state machine position (spec.md §4.8:
// "ExpectBoundary → ExpectPartHeaders → ExpectPartBody(n) → ExpectBoundary").
type multipartState int

const (
	stateExpectBoundary multipartState = iota
	stateExpectPartHeaders
	stateExpectPartBody
	stateMultipartDone
)

// BoundaryFromContentType extracts the boundary parameter from a
// "multipart/byteranges; boundary=..." Content-Type header value, the
// on_header discovery step the range fetcher contract describes (spec.md
// §6).
func BoundaryFromContentType(contentType string) (string, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", transportErrf("Content-Type: %v", err)
	}
	boundary, ok := params["boundary"]
	if !ok || boundary == "" {
		return "", transportErrf("Content-Type: missing boundary parameter in %q", contentType)
	}
	return boundary, nil
}

// MultipartDispatcher turns a multipart/byteranges response body into a
// sequence of Delta.AcceptBytes calls, feeding it byte-in/events-out so a
// caller can hand it whatever slices a transport happens to deliver (spec.md
// §4.8, §9's "pure byte-in/events-out state machine" design note).
//
// Feed may be called with any split of the body's bytes, including one byte
// at a time; a part's body is buffered internally until it is complete, so
// the resulting placements do not depend on how the caller chose to chunk
// its Feed calls (spec.md §8 property 7).
type MultipartDispatcher struct {
	boundaryLine []byte // "--<boundary>"
	boundaryEnd  []byte // "--<boundary>--"

	delta *Delta

	state   multipartState
	carry   []byte
	headers map[string]string

	currentRange Range
	body         []byte

	sticky
}

// NewMultipartDispatcher returns a dispatcher that will feed completed parts
// to delta.AcceptBytes.
func NewMultipartDispatcher(boundary string, delta *Delta) *MultipartDispatcher {
	return &MultipartDispatcher{
		boundaryLine: []byte("--" + boundary),
		boundaryEnd:  []byte("--" + boundary + "--"),
		delta:        delta,
		state:        stateExpectBoundary,
	}
}

// Done reports whether the closing boundary has been consumed.
func (dp *MultipartDispatcher) Done() bool {
	return dp.state == stateMultipartDone
}

// Feed advances the dispatcher with the next slice of response body bytes,
// dispatching any parts that complete as a result.
func (dp *MultipartDispatcher) Feed(p []byte) error {
	if err := dp.sticky.check(); err != nil {
		return err
	}
	dp.carry = append(dp.carry, p...)

	for {
		switch dp.state {
		case stateExpectBoundary:
			line, rest, ok := splitLine(dp.carry)
			if !ok {
				return nil
			}
			line = bytes.TrimRight(line, "\r")
			switch {
			case bytes.Equal(line, dp.boundaryEnd):
				dp.carry = rest
				dp.state = stateMultipartDone
				return nil
			case bytes.Equal(line, dp.boundaryLine):
				dp.carry = rest
				dp.headers = nil
				dp.state = stateExpectPartHeaders
			default:
				return dp.sticky.poison(transportErrf("multipart: expected boundary line, got %q", line))
			}

		case stateExpectPartHeaders:
			line, rest, ok := splitLine(dp.carry)
			if !ok {
				return nil
			}
			line = bytes.TrimRight(line, "\r")
			if len(line) == 0 {
				cr, ok := dp.headers["content-range"]
				if !ok {
					return dp.sticky.poison(transportErrf("multipart: part is missing a Content-Range header"))
				}
				r, err := ParseContentRange(cr)
				if err != nil {
					return dp.sticky.poison(err)
				}
				dp.currentRange = r
				dp.body = dp.body[:0]
				dp.carry = rest
				dp.state = stateExpectPartBody
				continue
			}

			colon := bytes.IndexByte(line, ':')
			if colon < 0 {
				return dp.sticky.poison(transportErrf("multipart: malformed header line %q", line))
			}
			name := strings.ToLower(strings.TrimSpace(string(line[:colon])))
			value := strings.TrimSpace(string(line[colon+1:]))
			if dp.headers == nil {
				dp.headers = make(map[string]string)
			}
			dp.headers[name] = value
			dp.carry = rest

		case stateExpectPartBody:
			need := dp.currentRange.Length() - int64(len(dp.body))
			if int64(len(dp.carry)) < need {
				dp.body = append(dp.body, dp.carry...)
				dp.carry = dp.carry[:0]
				return nil
			}
			dp.body = append(dp.body, dp.carry[:need]...)
			dp.carry = dp.carry[need:]

			if len(dp.carry) < 2 {
				return nil
			}
			if !bytes.HasPrefix(dp.carry, []byte("\r\n")) {
				return dp.sticky.poison(transportErrf("multipart: missing CRLF after part body"))
			}
			dp.carry = dp.carry[2:]

			if err := dp.delta.AcceptBytes(bytes.NewReader(dp.body), dp.currentRange); err != nil {
				return dp.sticky.poison(err)
			}
			dp.state = stateExpectBoundary

		case stateMultipartDone:
			return nil
		}
	}
}

// splitLine splits buf at the first '\n', returning the line (excluding the
// '\n') and the remainder. ok is false if buf contains no '\n' yet, meaning
// the caller must wait for more bytes.
func splitLine(buf []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return nil, buf, false
	}
	return buf[:i], buf[i+1:], true
}
