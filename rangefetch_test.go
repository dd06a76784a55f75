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
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
)

// parseRequestRanges parses a "bytes=s1-e1,s2-e2" Range request header into
// a slice of inclusive [start, end] pairs, standing in for a real range
// server's request-side parsing.
func parseRequestRanges(header string) ([][2]int64, bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, false
	}
	var out [][2]int64
	for _, part := range strings.Split(header[len(prefix):], ",") {
		dash := strings.IndexByte(part, '-')
		if dash < 0 {
			return nil, false
		}
		start, err := strconv.ParseInt(part[:dash], 10, 64)
		if err != nil {
			return nil, false
		}
		end, err := strconv.ParseInt(part[dash+1:], 10, 64)
		if err != nil {
			return nil, false
		}
		out = append(out, [2]int64{start, end})
	}
	return out, true
}

// newRangeServer serves fileBytes from a GET at "/", honoring a Range
// request header as one 206 response (single range) or a multipart
// byteranges response (multiple ranges).
func newRangeServer(t *testing.T, fileBytes []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ranges, ok := parseRequestRanges(r.Header.Get("Range"))
		if !ok {
			http.Error(w, "range required", http.StatusBadRequest)
			return
		}
		if len(ranges) == 1 {
			s, e := ranges[0][0], ranges[0][1]
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", s, e, len(fileBytes)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(fileBytes[s : e+1])
			return
		}

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for _, rg := range ranges {
			s, e := rg[0], rg[1]
			hdr := textproto.MIMEHeader{}
			hdr.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", s, e, len(fileBytes)))
			part, err := mw.CreatePart(hdr)
			if err != nil {
				t.Fatalf("CreatePart: %v", err)
			}
			part.Write(fileBytes[s : e+1])
		}
		mw.Close()

		w.Header().Set("Content-Type", "multipart/byteranges; boundary="+mw.Boundary())
		w.WriteHeader(http.StatusPartialContent)
		w.Write(buf.Bytes())
	}))
}

// noRangeServer always answers 200, simulating a server that ignores Range.
func noRangeServer(fileBytes []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(fileBytes)
	}))
}

func TestHTTPRangeFetcherSingleRange(t *testing.T) {
	t.Parallel()

	fileBytes := buildZchunkFile(t, "aaa", "bbb", "ccc")
	srv := newRangeServer(t, fileBytes)
	defer srv.Close()

	d, out := newTestDelta(t, fileBytes)
	defer d.Close()

	groups := d.PlanRanges(0)
	if len(groups) != 1 {
		t.Fatalf("PlanRanges: got %d groups, want 1", len(groups))
	}

	fetcher := NewHTTPRangeFetcher(srv.URL, nil)
	if err := FetchAndApply(context.Background(), fetcher, d, groups[0]); err != nil {
		t.Fatalf("FetchAndApply: %v", err)
	}
	if got := d.MissingChunks(); got != 0 {
		t.Errorf("MissingChunks() = %d, want 0", got)
	}
	if !bytes.Equal(out.buf, fileBytes) {
		t.Error("reconstructed file does not match original byte-for-byte")
	}
}

func TestHTTPRangeFetcherMultiRange(t *testing.T) {
	t.Parallel()

	targetBytes := buildZchunkFile(t, "aaa", "bbb", "ccc", "ddd", "eee")
	donorBytes := buildZchunkFile(t, "aaa", "xxx", "ccc", "yyy", "eee")

	srv := newRangeServer(t, targetBytes)
	defer srv.Close()

	d, out := newTestDelta(t, targetBytes)
	defer d.Close()

	donorReader, err := NewReader(bytes.NewReader(donorBytes))
	if err != nil {
		t.Fatalf("NewReader(donor): %v", err)
	}
	defer donorReader.Close()
	if err := d.CopyChunks(donorReader); err != nil {
		t.Fatalf("CopyChunks: %v", err)
	}
	// "bbb" and "ddd" are missing and not contiguous with each other, so
	// PlanRanges must produce (at least) two disjoint ranges in one group.
	groups := d.PlanRanges(0)
	if len(groups) != 1 || len(groups[0]) < 2 {
		t.Fatalf("PlanRanges: got %v, want one group with 2+ disjoint ranges", groups)
	}

	fetcher := NewHTTPRangeFetcher(srv.URL, nil)
	if err := FetchAndApply(context.Background(), fetcher, d, groups[0]); err != nil {
		t.Fatalf("FetchAndApply: %v", err)
	}
	if got := d.MissingChunks(); got != 0 {
		t.Errorf("MissingChunks() = %d, want 0", got)
	}
	if !bytes.Equal(out.buf, targetBytes) {
		t.Error("reconstructed file does not match original byte-for-byte")
	}
}

func TestHTTPRangeFetcherNoRangeSupport(t *testing.T) {
	t.Parallel()

	fileBytes := buildZchunkFile(t, "aaa", "bbb")
	srv := noRangeServer(fileBytes)
	defer srv.Close()

	d, _ := newTestDelta(t, fileBytes)
	defer d.Close()

	fetcher := NewHTTPRangeFetcher(srv.URL, nil)
	groups := d.PlanRanges(0)
	if err := FetchAndApply(context.Background(), fetcher, d, groups[0]); err == nil {
		t.Error("FetchAndApply against a 200-only server: want error, got nil")
	}
}
