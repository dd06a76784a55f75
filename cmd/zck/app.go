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

// Command zck is a thin front-end over the go-zchunk library: it creates,
// extracts, and lists the contents of zchunk files. It exists to exercise
// the library's public API end to end, not as a drop-in replacement for the
// reference zck CLI.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
)

const (
	// ExitCodeSuccess is successful error code.
	ExitCodeSuccess int = iota

	// ExitCodeFlagParseError is the exit code for a flag parsing error.
	ExitCodeFlagParseError

	// ExitCodeUnknownError is the exit code for an unknown error.
	ExitCodeUnknownError
)

// ErrFlagParse is a flag parsing error.
var ErrFlagParse = errors.New("parsing flags")

// ErrZck is the base error for zck CLI failures.
var ErrZck = errors.New("zck")

func init() {
	// See github.com/urfave/cli/issues/1809: without this, "zck --help foo"
	// reports "command foo not found" instead of showing the help text,
	// since this app takes path arguments rather than subcommands.
	cli.HelpFlag = &cli.BoolFlag{
		Name:               "d41d8cd98f00b204e980",
		DisableDefaultText: true,
	}
}

// check panics if err is non-nil. Only used for errors writing to
// c.App.Writer/ErrWriter, which should never fail in practice.
func check(err error) {
	if err != nil {
		panic(err)
	}
}

func newZckApp() *cli.App {
	return &cli.App{
		Name:  filepath.Base(os.Args[0]),
		Usage: "Create, extract, and inspect zchunk files.",
		Description: strings.Join([]string{
			"zck(1)-like CLI written in Go over the go-zchunk library.",
		}, "\n"),
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:               "extract",
				Usage:              "extract a zchunk file",
				Aliases:            []string{"x"},
				DisableDefaultText: true,
			},
			&cli.BoolFlag{
				Name:               "list",
				Usage:              "list a zchunk file's chunk table",
				Aliases:            []string{"l"},
				DisableDefaultText: true,
			},
			&cli.BoolFlag{
				Name:               "force",
				Usage:              "force overwrite of output file",
				Aliases:            []string{"f"},
				DisableDefaultText: true,
			},
			&cli.BoolFlag{
				Name:               "keep",
				Usage:              "do not delete the input file",
				Aliases:            []string{"k"},
				DisableDefaultText: true,
			},
			&cli.BoolFlag{
				Name:               "verify",
				Usage:              "validate chunk and full-data digests while extracting",
				DisableDefaultText: true,
			},
			&cli.StringFlag{
				Name:  "split-string",
				Usage: "split chunks at every occurrence of STRING instead of content-defined chunking",
			},
			&cli.IntFlag{
				Name:  "level",
				Usage: "zstd compression level (1-22)",
				Value: 0,
			},

			&cli.BoolFlag{
				Name:               "help",
				Usage:              "print this help text and exit",
				Aliases:            []string{"h"},
				DisableDefaultText: true,
			},
			&cli.BoolFlag{
				Name:               "version",
				Usage:              "print version information and exit",
				Aliases:            []string{"v"},
				DisableDefaultText: true,
			},
			&cli.BoolFlag{
				Name:               "license",
				Usage:              "print license information and exit",
				DisableDefaultText: true,
			},
		},
		ArgsUsage:       "[PATH]...",
		Copyright:       "Google LLC",
		HideHelp:        true,
		HideHelpCommand: true,
		Action: func(c *cli.Context) error {
			if c.Bool("help") {
				check(cli.ShowAppHelp(c))
				return nil
			}

			if c.Bool("license") {
				return printLicense(c)
			}

			if c.Bool("version") {
				return printVersion(c)
			}

			for _, path := range c.Args().Slice() {
				switch {
				case c.Bool("list"):
					l := list{path: path}
					if err := l.Run(); err != nil {
						return err
					}
				case c.Bool("extract"):
					e := extract{path: path, force: c.Bool("force"), keep: c.Bool("keep"), verify: c.Bool("verify")}
					if err := e.Run(); err != nil {
						return err
					}
				default:
					cr := create{
						path:        path,
						force:       c.Bool("force"),
						keep:        c.Bool("keep"),
						splitString: c.String("split-string"),
						level:       c.Int("level"),
					}
					if err := cr.Run(); err != nil {
						return err
					}
				}
			}

			return nil
		},
		ExitErrHandler: func(c *cli.Context, err error) {
			if err == nil {
				return
			}
			fmt.Fprintf(c.App.ErrWriter, "%s: %v\n", c.App.Name, err)
			if errors.Is(err, ErrFlagParse) {
				cli.OsExiter(ExitCodeFlagParseError)
				return
			}
			cli.OsExiter(ExitCodeUnknownError)
		},
	}
}
