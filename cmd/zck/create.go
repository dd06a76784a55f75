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
	"io"
	"os"

	"github.com/ianlewis/go-zchunk"
)

// create builds a zchunk file from a plain input file (original_source's
// zck CLI "create" mode, recovered per SPEC_FULL.md §5; the teacher's
// compress.go is the model for the open/stage/cleanup shape).
type create struct {
	path        string
	force       bool
	keep        bool
	splitString string
	level       int
}

func (c *create) Run() error {
	newPath := c.path + ".zck"

	from, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("%w: opening file: %w", ErrZck, err)
	}
	defer from.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if !c.force {
		flags |= os.O_EXCL
	}
	dst, err := os.OpenFile(newPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening target file: %w", ErrZck, err)
	}
	defer dst.Close()

	uncompressed, err := c.create(dst, from)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d bytes -> %s\n", c.path, uncompressed, newPath)

	if !c.keep {
		if err := os.Remove(c.path); err != nil {
			return fmt.Errorf("%w: removing file: %w", ErrZck, err)
		}
	}
	return nil
}

func (c *create) create(dst io.Writer, src io.Reader) (n int64, err error) {
	var opts []zchunk.Option
	if c.level > 0 {
		opts = append(opts, zchunk.WithZstdLevel(c.level))
	}
	if c.splitString != "" {
		opts = append(opts, zchunk.WithSplitString([]byte(c.splitString)))
	} else {
		opts = append(opts, zchunk.WithContentDefinedChunking(0, 0))
	}

	w, err := zchunk.NewWriter(dst, opts...)
	if err != nil {
		return 0, fmt.Errorf("%w: creating writer: %w", ErrZck, err)
	}
	defer func() {
		clsErr := w.Close()
		if err == nil {
			err = clsErr
		}
	}()

	n, err = io.Copy(w, src)
	if err != nil {
		return n, fmt.Errorf("%w: chunking file: %w", ErrZck, err)
	}
	return n, nil
}
