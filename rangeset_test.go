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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRangeString(t *testing.T) {
	t.Parallel()

	r := Range{Start: 10, End: 20}
	if got, want := r.String(), "bytes=10-20"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got, want := r.Length(), int64(11); got != want {
		t.Errorf("Length() = %d, want %d", got, want)
	}
}

func TestRangeSetHeader(t *testing.T) {
	t.Parallel()

	rs := RangeSet{{Start: 0, End: 9}, {Start: 20, End: 29}}
	if got, want := rs.Header(), "bytes=0-9,20-29"; got != want {
		t.Errorf("Header() = %q, want %q", got, want)
	}
	if got, want := RangeSet(nil).Header(), ""; got != want {
		t.Errorf("Header() on empty set = %q, want %q", got, want)
	}
}

func TestMergeContiguous(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		offsets []int64
		lengths []int64
		want    RangeSet
	}{
		{
			name:    "all contiguous merges to one",
			offsets: []int64{0, 10, 25},
			lengths: []int64{10, 15, 5},
			want:    RangeSet{{Start: 0, End: 29}},
		},
		{
			name:    "gap splits into two ranges",
			offsets: []int64{0, 10, 100},
			lengths: []int64{10, 15, 5},
			want:    RangeSet{{Start: 0, End: 24}, {Start: 100, End: 104}},
		},
		{
			name:    "single span",
			offsets: []int64{50},
			lengths: []int64{7},
			want:    RangeSet{{Start: 50, End: 56}},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := mergeContiguous(tc.offsets, tc.lengths)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("mergeContiguous (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBatchRanges(t *testing.T) {
	t.Parallel()

	ranges := RangeSet{{Start: 0, End: 1}, {Start: 2, End: 3}, {Start: 4, End: 5}, {Start: 6, End: 7}, {Start: 8, End: 9}}

	groups := batchRanges(ranges, 2)
	if len(groups) != 3 {
		t.Fatalf("len(groups) = %d, want 3 (ceil(5/2))", len(groups))
	}
	if len(groups[0]) != 2 || len(groups[2]) != 1 {
		t.Errorf("group sizes = %d, %d, %d, want 2, 2, 1", len(groups[0]), len(groups[1]), len(groups[2]))
	}

	unlimited := batchRanges(ranges, 0)
	if len(unlimited) != 1 || len(unlimited[0]) != 5 {
		t.Errorf("batchRanges with maxPerRequest=0: want one group of 5, got %v", unlimited)
	}
}

func TestParseContentRange(t *testing.T) {
	t.Parallel()

	r, err := ParseContentRange("bytes 100-199/1000")
	if err != nil {
		t.Fatalf("ParseContentRange: %v", err)
	}
	want := Range{Start: 100, End: 199}
	if diff := cmp.Diff(want, r); diff != "" {
		t.Errorf("ParseContentRange (-want +got):\n%s", diff)
	}

	for _, bad := range []string{
		"",
		"100-199/1000",
		"bytes 100/1000",
		"bytes abc-199/1000",
		"bytes 199-100/1000",
	} {
		if _, err := ParseContentRange(bad); err == nil {
			t.Errorf("ParseContentRange(%q): want error, got nil", bad)
		}
	}
}
