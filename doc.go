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

// Package zchunk implements the zchunk content-addressed, chunked file
// format: a Writer and Reader for the on-disk format itself, plus a delta
// engine that can resume or reconstruct a file from a donor copy and a
// range-fetching transport by comparing chunk digests.
//
// Unless otherwise informed clients should not assume implementations in
// this package are safe for parallel execution. Reader.ValidateChecksums
// verifies chunks concurrently internally, but a single Reader must still
// not be used from several goroutines at once.
package zchunk
