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
	"strings"

	"github.com/ianlewis/go-zchunk"
)

// extract restores the original file from a zchunk file (the teacher's
// decompress.go is the model for the open/rename/cleanup shape).
type extract struct {
	path   string
	force  bool
	keep   bool
	verify bool
}

func (e *extract) Run() error {
	newPath := strings.TrimSuffix(e.path, ".zck")
	if newPath == e.path {
		return fmt.Errorf("%w: %q does not end in .zck", ErrZck, e.path)
	}

	from, err := os.Open(e.path)
	if err != nil {
		return fmt.Errorf("%w: opening file: %w", ErrZck, err)
	}
	defer from.Close()

	z, err := zchunk.NewReader(from)
	if err != nil {
		return fmt.Errorf("%w: reading archive: %w", ErrZck, err)
	}
	defer z.Close()

	if e.verify {
		if err := z.ValidateDataDigest(); err != nil {
			return fmt.Errorf("%w: %w", ErrZck, err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if !e.force {
		flags |= os.O_EXCL
	}
	dst, err := os.OpenFile(newPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening target file: %w", ErrZck, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, z); err != nil {
		return fmt.Errorf("%w: extracting file %q: %w", ErrZck, from.Name(), err)
	}

	if !e.keep {
		if err := os.Remove(e.path); err != nil {
			return fmt.Errorf("%w: removing file: %w", ErrZck, err)
		}
	}
	return nil
}
