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

// Package diagnostics is the cross-cutting sink the balance and allocator
// engines report through. Every emitted diagnostic is non-fatal -- the
// engines never abort a function because of one, they keep walking and
// report it to the Sink.
package diagnostics

import (
	"fmt"
	"go/token"
	"io"
	"sort"
	"sync"

	"golang.org/x/term"

	"github.com/rchk-go/rchk/internal/formatutil"
)

// Level is the severity of a diagnostic. The engines only ever emit the
// three the original analysis emits: Debug (rejected/uninteresting
// states), Trace (every transfer, useful only on tiny test programs),
// and Info (the actual balance/allocator findings).
type Level int

const (
	Debug Level = iota
	Trace
	Info
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Trace:
		return "trace"
	default:
		return "info"
	}
}

// Diagnostic is one reported fact about one function.
type Diagnostic struct {
	Level    Level
	Function string
	Tag      string
	Pos      token.Position
	Message  string
}

func (d Diagnostic) dedupKey() string {
	return fmt.Sprintf("%s\x00%s\x00%d", d.Function, d.Tag, d.Pos.Line)
}

// Sink receives diagnostics as they are produced. Implementations must be
// safe for concurrent use: nothing in this module calls concurrently
// today, but cmd/rchk's check subcommand reports every analyzed function
// of the packages loaded together through one Sink.
type Sink interface {
	Report(Diagnostic)
}

// WriterSink writes diagnostics to an io.Writer, one per line, with ANSI
// color when the writer is a terminal (mirroring internal/formatutil's
// role in the teacher: color only when term.IsTerminal holds).
type WriterSink struct {
	w       io.Writer
	color   bool
	minimum Level
	dedup   bool

	mu   sync.Mutex
	seen map[string]bool
}

// NewWriterSink returns a Sink writing to w. fd is the writer's file
// descriptor (used only to test term.IsTerminal); pass -1 if w is not a
// terminal-backed writer.
func NewWriterSink(w io.Writer, fd int, minimum Level, dedup bool) *WriterSink {
	return &WriterSink{
		w:       w,
		color:   fd >= 0 && term.IsTerminal(fd),
		minimum: minimum,
		dedup:   dedup,
		seen:    map[string]bool{},
	}
}

// Report implements Sink.
func (s *WriterSink) Report(d Diagnostic) {
	if d.Level < s.minimum {
		return
	}
	if s.dedup {
		key := d.dedupKey()
		s.mu.Lock()
		already := s.seen[key]
		s.seen[key] = true
		s.mu.Unlock()
		if already {
			return
		}
	}

	levelStr := d.Level.String()
	if s.color {
		switch d.Level {
		case Info:
			levelStr = formatutil.Yellow(levelStr)
		case Trace:
			levelStr = formatutil.Faint(levelStr)
		default:
			levelStr = formatutil.Faint(levelStr)
		}
	}

	fmt.Fprintf(s.w, "[%s] %s:%d %s: %s\n", levelStr, d.Pos.Filename, d.Pos.Line, d.Function, d.Message)
}

// FilteringSink wraps another Sink and drops every diagnostic whose
// position falls on a suppressed line -- the //rchk:ignore directive
// mechanism (analysis.Directives) builds the suppress set this is
// constructed with.
type FilteringSink struct {
	next     Sink
	suppress map[string]bool
}

// NewFilteringSink returns a Sink that forwards to next, except for
// diagnostics at a "file:line" key present (and true) in suppress.
func NewFilteringSink(next Sink, suppress map[string]bool) *FilteringSink {
	return &FilteringSink{next: next, suppress: suppress}
}

// Report implements Sink.
func (s *FilteringSink) Report(d Diagnostic) {
	if s.suppress[fmt.Sprintf("%s:%d", d.Pos.Filename, d.Pos.Line)] {
		return
	}
	s.next.Report(d)
}

// CollectingSink accumulates diagnostics in memory, for tests and for
// cmd/rchk check's -json output.
type CollectingSink struct {
	mu    sync.Mutex
	Diags []Diagnostic
}

// NewCollectingSink returns an empty CollectingSink.
func NewCollectingSink() *CollectingSink {
	return &CollectingSink{}
}

// Report implements Sink.
func (s *CollectingSink) Report(d Diagnostic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Diags = append(s.Diags, d)
}

// ByLine returns the collected diagnostics sorted by line number, for
// deterministic test assertions.
func (s *CollectingSink) ByLine() []Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Diagnostic, len(s.Diags))
	copy(out, s.Diags)
	sort.Slice(out, func(i, j int) bool { return out[i].Pos.Line < out[j].Pos.Line })
	return out
}
