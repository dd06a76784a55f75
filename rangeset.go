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
	"fmt"
	"strconv"
	"strings"
)

// Range is an inclusive [Start, End] byte interval in a file's absolute
// on-disk coordinates (header included), the unit the delta engine plans
// fetches in and the multipart dispatcher parses Content-Range headers into
// (spec.md §4.7, glossary "Range plan").
type Range struct {
	Start, End int64 // End is inclusive, matching HTTP byte-range semantics.
}

// Length returns the number of bytes the range covers.
func (r Range) Length() int64 { return r.End - r.Start + 1 }

// String renders r as a complete single-range HTTP Range header value
// (original_source/include/zck.h's zck_get_range_char, recovered per
// SPEC_FULL.md §4).
func (r Range) String() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// RangeSet is an ordered, non-overlapping set of byte ranges, typically the
// output of a single call to Delta.PlanRanges representing one HTTP request
// (spec.md §4.7).
type RangeSet []Range

// Header renders the full multi-range HTTP Range header value for rs
// (original_source/include/zck.h's zck_get_range, recovered per
// SPEC_FULL.md §4). An empty RangeSet renders as the empty string.
func (rs RangeSet) Header() string {
	if len(rs) == 0 {
		return ""
	}
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = fmt.Sprintf("%d-%d", r.Start, r.End)
	}
	return "bytes=" + strings.Join(parts, ",")
}

// TotalLength returns the sum of every range's length in rs.
func (rs RangeSet) TotalLength() int64 {
	var total int64
	for _, r := range rs {
		total += r.Length()
	}
	return total
}

// mergeContiguous merges a sorted, ascending sequence of (offset, length)
// spans into the smallest possible set of Ranges, coalescing any span whose
// start immediately follows the previous span's end (spec.md §9's note that
// the donor search and index stay an ordered contiguous sequence).
func mergeContiguous(offsets []int64, lengths []int64) RangeSet {
	var out RangeSet
	for i := range offsets {
		start := offsets[i]
		end := offsets[i] + lengths[i] - 1
		if len(out) > 0 && out[len(out)-1].End+1 == start {
			out[len(out)-1].End = end
			continue
		}
		out = append(out, Range{Start: start, End: end})
	}
	return out
}

// batchRanges splits ranges into groups of at most maxPerRequest each,
// ceil(len(ranges)/maxPerRequest) groups in total (spec.md §4.7). A
// non-positive maxPerRequest means "no limit": one group holding everything.
func batchRanges(ranges RangeSet, maxPerRequest int) []RangeSet {
	if len(ranges) == 0 {
		return nil
	}
	if maxPerRequest <= 0 || maxPerRequest >= len(ranges) {
		return []RangeSet{ranges}
	}
	var groups []RangeSet
	for len(ranges) > 0 {
		n := maxPerRequest
		if n > len(ranges) {
			n = len(ranges)
		}
		groups = append(groups, ranges[:n])
		ranges = ranges[n:]
	}
	return groups
}

// ParseContentRange parses an HTTP Content-Range response header value of
// the form "bytes start-end/total" (total may be "*"), returning the
// inclusive byte range it describes. It accepts only this response form, not
// the "bytes=start-end" request form Range.String renders. It is used by the
// multipart dispatcher to recover each part's placement (spec.md §4.8).
func ParseContentRange(header string) (Range, error) {
	const prefix = "bytes "
	h := strings.TrimSpace(header)
	if !strings.HasPrefix(h, prefix) {
		return Range{}, transportErrf("Content-Range: missing %q prefix in %q", prefix, header)
	}
	h = h[len(prefix):]

	slash := strings.IndexByte(h, '/')
	if slash < 0 {
		return Range{}, transportErrf("Content-Range: missing total in %q", header)
	}
	span := h[:slash]

	dash := strings.IndexByte(span, '-')
	if dash < 0 {
		return Range{}, transportErrf("Content-Range: missing '-' in %q", header)
	}

	start, err := strconv.ParseInt(span[:dash], 10, 64)
	if err != nil {
		return Range{}, transportErrf("Content-Range: bad start in %q: %v", header, err)
	}
	end, err := strconv.ParseInt(span[dash+1:], 10, 64)
	if err != nil {
		return Range{}, transportErrf("Content-Range: bad end in %q: %v", header, err)
	}
	if end < start {
		return Range{}, transportErrf("Content-Range: end %d before start %d", end, start)
	}
	return Range{Start: start, End: end}, nil
}
