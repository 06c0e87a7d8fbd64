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

// Package check implements the front-end to rchk's main analysis: running
// the balance and allocator engines over every function in a loaded
// program and reporting the findings.
package check

import (
	"encoding/json"
	"flag"
	"fmt"
	"go/build"
	"os"
	"strings"

	"golang.org/x/tools/go/buildutil"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/rchk-go/rchk/analysis"
	"github.com/rchk-go/rchk/analysis/allocator"
	"github.com/rchk-go/rchk/analysis/balance"
	"github.com/rchk-go/rchk/analysis/closure"
	"github.com/rchk-go/rchk/analysis/config"
	"github.com/rchk-go/rchk/analysis/diagnostics"
	"github.com/rchk-go/rchk/analysis/signatures"
	"github.com/rchk-go/rchk/analysis/symbols"
	"github.com/rchk-go/rchk/cmd/rchk/tools"
	"github.com/rchk-go/rchk/internal/analysisutil"
	"github.com/rchk-go/rchk/internal/diagnose"
	"github.com/rchk-go/rchk/internal/formatutil"
)

// Flags represents the parsed check sub-command flags.
type Flags struct {
	configPath   string
	verbose      bool
	jsonOut      bool
	excludePaths []string
	flagSet      *flag.FlagSet
}

const usage = `Check compiled extension code for PROTECT/UNPROTECT stack
imbalances and report the allocating functions inferred along the way.

Usage:
  rchk check package...
  rchk check source.go

Use the -help flag to display the options.

Examples:
% rchk check ./...
% rchk check -config rchk.yaml ./pkg/...
`

// NewFlags returns the parsed check flags from args.
func NewFlags(args []string) (Flags, error) {
	cmd := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := cmd.String("config", "", "config file path for the analysis")
	verbose := cmd.Bool("verbose", false, "verbose printing on standard output")
	jsonOut := cmd.Bool("json", false, "emit findings as JSON instead of text")
	var exclude tools.ExcludePaths
	cmd.Var(&exclude, "exclude", "path to exclude from analysis")
	cmd.Var((*buildutil.TagsFlag)(&build.Default.BuildTags), "tags", buildutil.TagsFlagDoc)
	tools.SetUsage(cmd, usage)
	if err := cmd.Parse(args); err != nil {
		return Flags{}, fmt.Errorf("failed to parse command check with args %v: %v", args, err)
	}

	return Flags{
		configPath:   *configPath,
		verbose:      *verbose,
		jsonOut:      *jsonOut,
		excludePaths: exclude,
		flagSet:      cmd,
	}, nil
}

// Run runs the balance and allocator engines over the packages named by
// flags and reports every finding to stdout.
func Run(flags Flags) error {
	cfg, err := tools.LoadConfig(flags.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := config.NewLogGroup(cfg)

	log.Infof(formatutil.Faint("Reading sources"))

	pkgCfg := &packages.Config{Mode: analysis.PkgLoadMode, Tests: false}
	// NaiveForm keeps source-level local variables as explicit
	// alloca/load/store triples instead of lifting them to SSA registers --
	// both engines recognize saved protection-stack depths and allocator
	// result variables by that alloca use pattern.
	loaded, err := analysis.LoadProgram(pkgCfg, "", ssa.NaiveForm, flags.flagSet.Args())
	if err != nil {
		return diagnose.Wrap(cfg.TraceErrors, err, "loading program")
	}
	cache := analysis.NewCache(loaded.Program, log, cfg)

	globals, err := symbols.Resolve(loaded.Program, cfg)
	if err != nil {
		return diagnose.Wrap(cfg.TraceErrors, err, "resolving configured symbols")
	}

	log.Infof(formatutil.Faint("Analyzing"))

	excludeAbsolute := analysisutil.MakeAbsolute(flags.excludePaths)

	cg := analysis.ComputeCallgraph(loaded.Program)
	allocatingCoarse, possibleCoarse := closure.CoarseAllocators(cg, globals)
	classifier := &allocator.Classifier{Allocating: allocatingCoarse, Allocators: possibleCoarse}
	interner := signatures.NewInterner()

	minimum := diagnostics.Info
	if cfg.Verbose() || flags.verbose {
		minimum = diagnostics.Debug
	}

	var sink diagnostics.Sink
	var collecting *diagnostics.CollectingSink
	if flags.jsonOut {
		collecting = diagnostics.NewCollectingSink()
		sink = collecting
	} else {
		sink = diagnostics.NewWriterSink(os.Stdout, int(os.Stdout.Fd()), minimum, cfg.DedupDiagnostics)
	}

	// A //rchk:ignore comment on a line suppresses diagnostics reported
	// against it -- useful for a hand-verified PROTECT dance the
	// recognizers can't follow.
	suppress := map[string]bool{}
	for pos, d := range loaded.Directives {
		if d.Kind == analysis.DirectiveIgnore {
			suppress[fmt.Sprintf("%s:%d", pos.Filename, pos.Line)] = true
		}
	}
	if len(suppress) > 0 {
		sink = diagnostics.NewFilteringSink(sink, suppress)
	}

	var results []closure.PerFunctionResult
	for f := range ssautil.AllFunctions(loaded.Program) {
		if f.Package() == nil {
			continue
		}
		if !cfg.MatchPkgFilter(f.Package().Pkg.Path()) {
			continue
		}
		if analysisutil.IsExcluded(loaded.Program, f, excludeAbsolute) {
			continue
		}

		balance.Run(f, globals, cfg, sink)

		// The allocator engine's path-sensitive sweep is only worth paying
		// for on functions the coarse CHA pre-pass already flagged as able
		// to reach GC at all -- everything else contributes nothing to the
		// closure, since CHA reachability is a superset of the precise
		// call graph.
		if classifier.IsAllocating(f) {
			called, wrapped := allocator.Run(f, globals, cfg, classifier, interner)
			results = append(results, closure.PerFunctionResult{
				Sig:     interner.Intern(f, nil),
				Called:  called,
				Wrapped: wrapped,
			})
		}
	}
	if len(results) == 0 {
		cache.AddError(fmt.Errorf("no functions matched the package filter"))
	}
	if err := cache.CheckError(); err != nil {
		log.Warnf("%v", err)
	}

	if globals.GC != nil {
		gcSig := interner.Intern(globals.GC, nil)
		_, possibleAllocators := closure.ComputeCalledAllocators(results, interner, gcSig)
		log.Infof(formatutil.Faint(fmt.Sprintf("%d possible allocator signatures inferred", possibleAllocators.Len())))

		for _, group := range closure.RecursiveAllocatorGroups(cg, allocatingCoarse) {
			names := make([]string, len(group))
			for i, gf := range group {
				names[i] = gf.RelString(nil)
			}
			sink.Report(diagnostics.Diagnostic{
				Level:    diagnostics.Info,
				Function: group[0].RelString(nil),
				Tag:      "recursive-allocators",
				Pos:      loaded.Program.Fset.Position(group[0].Pos()),
				Message:  fmt.Sprintf("mutually recursive allocator/wrapper group: %s", strings.Join(names, ", ")),
			})
		}
	}

	if flags.jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(collecting.ByLine()); err != nil {
			return diagnose.Wrap(cfg.TraceErrors, err, "encoding JSON diagnostics")
		}
	}

	return nil
}
