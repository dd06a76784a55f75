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

package main

import (
	"fmt"
	"os"

	"github.com/rodaine/table"

	"github.com/ianlewis/go-zchunk"
)

// list prints a zchunk file's chunk table (the teacher's list.go is the
// model for the open/stat/table shape, generalized from a single dictzip
// chunk size to zchunk's per-chunk index).
type list struct {
	path string
}

func (l *list) Run() error {
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("%w: opening file: %w", ErrZck, err)
	}
	defer f.Close()

	z, err := zchunk.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: reading archive: %w", ErrZck, err)
	}
	defer z.Close()

	h := z.Header()
	chunks := h.Index.DataChunks(h.HasDict)

	tbl := table.New("chunk", "compressed", "uncompressed", "ratio")
	for i, c := range chunks {
		ratio := 0.0
		if c.Length > 0 {
			ratio = (1 - float64(c.CompLength)/float64(c.Length)) * 100
		}
		tbl.AddRow(i, c.CompLength, c.Length, fmt.Sprintf("%.1f%%", ratio))
	}
	tbl.Print()

	fmt.Printf("\nfull hash: %s, chunk hash: %s, codec: %s, dictionary: %v, chunks: %d, total: %d bytes\n",
		h.FullHashKind, h.Index.ChunkHashKind, h.CompKind, h.HasDict, len(chunks), h.Index.TotalLength(h.HasDict))

	return nil
}
