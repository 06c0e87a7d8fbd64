// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
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
	"errors"
	"fmt"
	"os"

	"github.com/rchk-go/rchk/cmd/rchk/check"
	"github.com/rchk-go/rchk/cmd/rchk/ffi"
	"github.com/rchk-go/rchk/cmd/rchk/suggest"
)

const usage = `rchk: PROTECT/UNPROTECT protection-stack balance checker
Usage:
  rchk [tool] [options] package...
Tools:
  - check: runs the balance and allocator engines and reports findings
  - ffi: checks a registration-table call site against the tracked pointer type
  - suggest: suggests (and with -fix, applies) UNPROTECT(n) insertions
Examples:
  Run the balance checker: rchk check --config=rchk.yaml ./...
  Check a registration table: rchk ffi --config=rchk.yaml ./...`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "error: expected subcommand\n%s\n", usage)
		os.Exit(2)
	}

	if snd := os.Args[1]; snd == "-help" || snd == "--help" {
		fmt.Println(usage)
		return
	}

	if snd := os.Args[1]; snd == "-version" || snd == "--version" {
		fmt.Println("rchk (protection-stack balance checker)")
		return
	}

	args := os.Args[2:]
	switch cmd := os.Args[1]; cmd {
	case "check":
		flags, err := check.NewFlags(args)
		if err != nil {
			errExit(err)
		}
		if err := check.Run(flags); err != nil {
			errExit(err)
		}
	case "ffi":
		flags, err := ffi.NewFlags(args)
		if err != nil {
			errExit(err)
		}
		if err := ffi.Run(flags); err != nil {
			if errors.Is(err, ffi.ErrNoRegisterRoutines) {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			errExit(err)
		}
	case "suggest":
		flags, err := suggest.NewFlags(args)
		if err != nil {
			errExit(err)
		}
		if err := suggest.Run(flags); err != nil {
			errExit(err)
		}
	default:
		fmt.Fprintf(os.Stderr, "error: unexpected command: %v\n", cmd)
		fmt.Fprintf(os.Stderr, "usage:\n%s\n", usage)
		os.Exit(2)
	}
}

func errExit(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(2)
}
