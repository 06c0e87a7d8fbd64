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

// Package suggest prints, and optionally applies, a best-effort
// UNPROTECT(n) fix for functions the balance engine finds returning with an
// exactly-known unreleased protection depth. Applying a fix rewrites the
// source with github.com/dave/dst, the same "edit Go source, preserve
// comments and formatting" library and approach as the teacher's
// analysis/refactor/rewrite.
package suggest

import (
	"flag"
	"fmt"
	"go/build"
	"go/token"
	"os"
	"path/filepath"

	"github.com/dave/dst"
	"github.com/dave/dst/decorator"
	"github.com/dave/dst/decorator/resolver/gopackages"
	"github.com/dave/dst/dstutil"
	"golang.org/x/tools/go/buildutil"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/rchk-go/rchk/analysis"
	"github.com/rchk-go/rchk/analysis/balance"
	"github.com/rchk-go/rchk/analysis/config"
	"github.com/rchk-go/rchk/analysis/diagnostics"
	"github.com/rchk-go/rchk/analysis/symbols"
	"github.com/rchk-go/rchk/cmd/rchk/tools"
	"github.com/rchk-go/rchk/internal/astfuncs"
	"github.com/rchk-go/rchk/internal/diagnose"
	"github.com/rchk-go/rchk/internal/formatutil"
)

// Flags represents the parsed suggest sub-command flags.
type Flags struct {
	configPath string
	verbose    bool
	fix        bool
	flagSet    *flag.FlagSet
}

const usage = `Suggest (and optionally apply) an UNPROTECT(n) fix for
functions that return with an exactly-known unreleased protection depth.

Usage:
  rchk suggest package...
  rchk suggest -fix package...

Use the -help flag to display the options.
`

// NewFlags returns the parsed suggest flags from args.
func NewFlags(args []string) (Flags, error) {
	cmd := flag.NewFlagSet("suggest", flag.ExitOnError)
	configPath := cmd.String("config", "", "config file path for the analysis")
	verbose := cmd.Bool("verbose", false, "verbose printing on standard output")
	fix := cmd.Bool("fix", false, "rewrite the source in place instead of only printing suggestions")
	cmd.Var((*buildutil.TagsFlag)(&build.Default.BuildTags), "tags", buildutil.TagsFlagDoc)
	tools.SetUsage(cmd, usage)
	if err := cmd.Parse(args); err != nil {
		return Flags{}, fmt.Errorf("failed to parse command suggest with args %v: %v", args, err)
	}
	return Flags{configPath: *configPath, verbose: *verbose, fix: *fix, flagSet: cmd}, nil
}

// fix is one suggested UNPROTECT(n) insertion, located by source position.
type fix struct {
	pos   token.Position
	depth int
}

// Run loads the program named by flags, collects suggested fixes from the
// balance engine, prints them, and applies them with -fix.
func Run(flags Flags) error {
	cfg, err := tools.LoadConfig(flags.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := config.NewLogGroup(cfg)
	log.Infof(formatutil.Faint("Reading sources"))

	pkgCfg := &packages.Config{Mode: analysis.PkgLoadMode, Tests: false}
	loaded, err := analysis.LoadProgram(pkgCfg, "", ssa.NaiveForm, flags.flagSet.Args())
	if err != nil {
		return diagnose.Wrap(cfg.TraceErrors, err, "loading program")
	}

	globals, err := symbols.Resolve(loaded.Program, cfg)
	if err != nil {
		return diagnose.Wrap(cfg.TraceErrors, err, "resolving configured symbols")
	}

	log.Infof(formatutil.Faint("Analyzing"))

	sink := diagnostics.NewWriterSink(os.Stderr, int(os.Stderr.Fd()), diagnostics.Info, cfg.DedupDiagnostics)

	byFile := map[string][]fix{}
	for f := range ssautil.AllFunctions(loaded.Program) {
		if f.Package() == nil || !cfg.MatchPkgFilter(f.Package().Pkg.Path()) {
			continue
		}
		for ret, depth := range balance.SuggestFixes(f, globals, cfg, sink) {
			pos := loaded.Program.Fset.Position(ret.Pos())
			byFile[pos.Filename] = append(byFile[pos.Filename], fix{pos: pos, depth: depth})
		}
	}

	if len(byFile) == 0 {
		log.Infof("no fixable imbalances found")
		return nil
	}

	for file, fixes := range byFile {
		for _, fx := range fixes {
			fmt.Printf("%s: suggest inserting %s(%d) before this return\n", fx.pos, unprotectName(globals), fx.depth)
		}
		if flags.fix {
			if err := applyFixes(file, fixes, globals); err != nil {
				return diagnose.Wrap(cfg.TraceErrors, err, fmt.Sprintf("applying fixes to %s", file))
			}
		}
	}

	return nil
}

func unprotectName(globals *symbols.Globals) string {
	if globals.Unprotect == nil {
		return "UNPROTECT"
	}
	return globals.Unprotect.Name()
}

// applyFixes rewrites file in place, inserting an UNPROTECT(n) call before
// every bare return statement (no result expressions) whose line matches a
// collected fix. Returns with result expressions are left untouched: there
// is no single safe insertion point that doesn't risk evaluating the
// results twice, and spec's own balance.cpp only ever rewrites the bare
// case too.
func applyFixes(file string, fixes []fix, globals *symbols.Globals) error {
	dir := filepath.Dir(file)
	pkgCfg := &packages.Config{Mode: analysis.PkgLoadMode, Tests: false}
	pkgs, err := decorator.Load(pkgCfg, dir)
	if err != nil {
		return fmt.Errorf("loading package for rewrite: %w", err)
	}

	byLine := map[int]int{}
	for _, fx := range fixes {
		byLine[fx.pos.Line] = fx.depth
	}

	callee := unprotectName(globals)
	changed := false
	var matched *dst.File

	for _, pkg := range pkgs {
		for i, dstFile := range pkg.Syntax {
			goFile := pkg.GoFiles[i]
			if goFile != file {
				continue
			}
			matched = dstFile
			dstutil.Apply(dstFile, nil, func(c *dstutil.Cursor) bool {
				ret, ok := c.Node().(*dst.ReturnStmt)
				if !ok || len(ret.Results) != 0 {
					return true
				}
				astNode, ok := pkg.Decorator.Map.Ast.Nodes[ret]
				if !ok {
					return true
				}
				position := pkg.Fset.Position(astNode.Pos())
				depth, ok := byLine[position.Line]
				if !ok {
					return true
				}
				insert := &dst.ExprStmt{
					X: &dst.CallExpr{
						Fun:  &dst.Ident{Name: callee},
						Args: []dst.Expr{astfuncs.NewInt(depth)},
					},
					Decs: dst.ExprStmtDecorations{
						NodeDecs: dst.NodeDecs{Before: dst.NewLine},
					},
				}
				c.InsertBefore(insert)
				changed = true
				return true
			})
		}
	}

	if !changed || matched == nil {
		return fmt.Errorf("no matching return statement found in %s", file)
	}

	out, err := os.OpenFile(file, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("opening %s for rewrite: %w", file, err)
	}
	defer out.Close()

	restorer := decorator.NewRestorerWithImports(dir, gopackages.New(dir))
	if err := restorer.Fprint(out, matched); err != nil {
		return fmt.Errorf("writing %s: %w", file, err)
	}

	return nil
}
