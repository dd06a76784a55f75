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
	"context"
	"io"
	"net/http"
)

// RangeResponse is what a RangeFetcher returns for one ranged request: a
// body the caller must read to completion and close, plus the headers
// needed to tell a single-part 206 response from a multipart/byteranges one
// (spec.md §6's "Range fetcher contract").
type RangeResponse struct {
	Body        io.ReadCloser
	StatusCode  int
	ContentType string // carries the boundary parameter for multipart responses.

	// ContentRange is the single-part response's own Content-Range header,
	// unused when the response is multipart (each part carries its own).
	ContentRange string
}

// RangeFetcher is the abstract transport capability the delta engine needs:
// issue one request covering every range in ranges and return the resulting
// stream (spec.md §6, §9's design note: "Model the transport as an abstract
// range fetcher"). Implementations MUST surface a response whose status was
// 200 despite ranges being requested as a transportErrf-wrapped error rather
// than silently treating the body as the full file (spec.md §8 scenario S5).
type RangeFetcher interface {
	FetchRanges(ctx context.Context, ranges RangeSet) (*RangeResponse, error)
}

// HTTPRangeFetcher is the reference RangeFetcher, issuing a single GET per
// call with a Range header built from RangeSet.Header
// (_examples/jonjohnsonjr-targz/ranger/ranger.go's ReadAt, generalized from
// one range to a full RangeSet per request).
type HTTPRangeFetcher struct {
	URL    string
	Client *http.Client
}

// NewHTTPRangeFetcher returns an HTTPRangeFetcher for url. A nil client
// defaults to http.DefaultClient.
func NewHTTPRangeFetcher(url string, client *http.Client) *HTTPRangeFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRangeFetcher{URL: url, Client: client}
}

// FetchRanges issues one GET request for ranges.Header() and classifies the
// response.
func (f *HTTPRangeFetcher) FetchRanges(ctx context.Context, ranges RangeSet) (*RangeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, transportErrf("building range request for %s: %v", f.URL, err)
	}
	req.Header.Set("Range", ranges.Header())

	res, err := f.Client.Do(req)
	if err != nil {
		return nil, transportErrf("fetching %s: %v", f.URL, err)
	}

	switch res.StatusCode {
	case http.StatusPartialContent:
		return &RangeResponse{
			Body:         res.Body,
			StatusCode:   res.StatusCode,
			ContentType:  res.Header.Get("Content-Type"),
			ContentRange: res.Header.Get("Content-Range"),
		}, nil
	case http.StatusOK:
		res.Body.Close()
		return nil, transportErrf("%s does not support range requests: got 200 for a ranged GET", f.URL)
	default:
		res.Body.Close()
		return nil, transportErrf("%s: unexpected status %d for a ranged GET", f.URL, res.StatusCode)
	}
}

// FetchAndApply fetches ranges via fetcher and feeds the response into
// delta, dispatching a single-part 206 response straight to
// Delta.AcceptBytes and a multipart/byteranges response through a
// MultipartDispatcher (spec.md §4.7, §4.8, §6 tied together into the one
// pull operation a delta client actually drives).
func FetchAndApply(ctx context.Context, fetcher RangeFetcher, delta *Delta, ranges RangeSet) error {
	if len(ranges) == 0 {
		return nil
	}

	resp, err := fetcher.FetchRanges(ctx, ranges)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if len(ranges) == 1 {
		return delta.AcceptBytes(resp.Body, ranges[0])
	}

	boundary, err := BoundaryFromContentType(resp.ContentType)
	if err != nil {
		return err
	}
	dp := NewMultipartDispatcher(boundary, delta)

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if ferr := dp.Feed(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return ioErr("reading range response body", rerr)
		}
	}
	if !dp.Done() {
		return transportErrf("multipart response body ended before the closing boundary")
	}
	return nil
}
