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

// Package ffi implements the Go analogue of original_source/src/fficheck.cpp:
// instead of walking a constant R_CallMethodDef table passed to
// R_registerRoutines, it walks composite literals of {Name string; Fn any;
// Arity int}-shaped structs passed at any call site of the function named
// by the configuration's register-routines-function, checking that each
// entry's arity and parameter/result shapes agree with the tracked pointer
// type the rest of the analysis uses.
package ffi

import (
	"errors"
	"flag"
	"fmt"
	"go/build"
	"go/constant"
	"go/types"
	"strings"

	"golang.org/x/tools/go/buildutil"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/rchk-go/rchk/analysis"
	"github.com/rchk-go/rchk/analysis/config"
	"github.com/rchk-go/rchk/analysis/symbols"
	"github.com/rchk-go/rchk/cmd/rchk/tools"
	"github.com/rchk-go/rchk/internal/diagnose"
	"github.com/rchk-go/rchk/internal/formatutil"
)

// ErrNoRegisterRoutines is returned when the configured
// register-routines-function cannot be found in the loaded program: spec's
// FFI check requires the table to exist at all.
var ErrNoRegisterRoutines = errors.New("register-routines-function not found in program")

// Flags represents the parsed ffi sub-command flags.
type Flags struct {
	configPath string
	verbose    bool
	flagSet    *flag.FlagSet
}

const usage = `Check a Go registration-table call site against the tracked
pointer type: arity and parameter/result shapes.

Usage:
  rchk ffi package...

Use the -help flag to display the options.
`

// NewFlags returns the parsed ffi flags from args.
func NewFlags(args []string) (Flags, error) {
	cmd := flag.NewFlagSet("ffi", flag.ExitOnError)
	configPath := cmd.String("config", "", "config file path for the analysis")
	verbose := cmd.Bool("verbose", false, "verbose printing on standard output")
	cmd.Var((*buildutil.TagsFlag)(&build.Default.BuildTags), "tags", buildutil.TagsFlagDoc)
	tools.SetUsage(cmd, usage)
	if err := cmd.Parse(args); err != nil {
		return Flags{}, fmt.Errorf("failed to parse command ffi with args %v: %v", args, err)
	}
	return Flags{configPath: *configPath, verbose: *verbose, flagSet: cmd}, nil
}

// tableEntry is one element of a registration-table composite literal.
type tableEntry struct {
	name  string
	fn    *ssa.Function
	arity int64
	// hasArity is false when the Arity field's value couldn't be read as a
	// constant -- the entry is then skipped for the arity check only.
	hasArity bool
}

// Run loads the program named by flags and checks every call site of the
// configured registration function.
func Run(flags Flags) error {
	cfg, err := tools.LoadConfig(flags.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.RegisterRoutinesFunction == "" {
		return fmt.Errorf("register-routines-function not set in config")
	}
	log := config.NewLogGroup(cfg)

	log.Infof(formatutil.Faint("Reading sources"))

	pkgCfg := &packages.Config{Mode: analysis.PkgLoadMode, Tests: false}
	loaded, err := analysis.LoadProgram(pkgCfg, "", ssa.NaiveForm, flags.flagSet.Args())
	if err != nil {
		return diagnose.Wrap(cfg.TraceErrors, err, "loading program")
	}
	cache := analysis.NewCache(loaded.Program, log, cfg)

	globals, err := symbols.Resolve(loaded.Program, cfg)
	if err != nil {
		if strings.HasPrefix(err.Error(), "register-routines-function:") {
			return fmt.Errorf("%w: %v", ErrNoRegisterRoutines, err)
		}
		return diagnose.Wrap(cfg.TraceErrors, err, "resolving configured symbols")
	}
	if globals.RegisterRoutines == nil {
		return ErrNoRegisterRoutines
	}

	log.Infof(formatutil.Faint("Analyzing"))

	problems := 0
	for f := range ssautil.AllFunctions(loaded.Program) {
		for _, b := range f.Blocks {
			for _, instr := range b.Instrs {
				call, ok := instr.(ssa.CallInstruction)
				if !ok || call.Common().StaticCallee() != globals.RegisterRoutines {
					continue
				}
				problems += checkCallSite(loaded.Program, f, call)
			}
		}
	}

	if problems > 0 {
		cache.AddError(fmt.Errorf("%d registration-table problem(s) found", problems))
	}
	if err := cache.CheckError(); err != nil {
		log.Warnf("%v", err)
	} else if flags.verbose {
		log.Infof("no registration-table problems found")
	}

	return nil
}

// checkCallSite inspects one call to the registration function and reports
// every problem found among its table-shaped arguments.
func checkCallSite(prog *ssa.Program, f *ssa.Function, call ssa.CallInstruction) int {
	problems := 0
	for _, arg := range call.Common().Args {
		entries, ok := tableEntries(arg)
		if !ok {
			continue
		}
		for _, e := range entries {
			if e.fn == nil {
				continue
			}
			sig := e.fn.Signature
			pos := prog.Fset.Position(e.fn.Pos())

			if e.hasArity && e.arity >= 0 && int(e.arity) != sig.Params().Len() {
				fmt.Printf("%s: registration entry %q: arity %d does not match %s's %d parameter(s)\n",
					pos, e.name, e.arity, e.fn.Name(), sig.Params().Len())
				problems++
			}
			for i := 0; i < sig.Params().Len(); i++ {
				if !symbols.SEXPType(sig.Params().At(i).Type()) {
					fmt.Printf("%s: registration entry %q: parameter %d of %s is not the tracked pointer type\n",
						pos, e.name, i, e.fn.Name())
					problems++
				}
			}
			if sig.Results().Len() != 1 || !symbols.SEXPType(sig.Results().At(0).Type()) {
				fmt.Printf("%s: registration entry %q: %s does not return the tracked pointer type\n",
					pos, e.name, e.fn.Name())
				problems++
			}
		}
	}
	return problems
}

// tableEntries recognizes a slice-of-struct composite literal built in the
// same function and passed as arg, and reads the Name/Fn/Arity fields back
// out of the stores SSA records against each element's address. Anything
// else (a table built elsewhere, passed through a variable across
// functions, assembled with append) is out of scope, mirroring spec's
// decision to recognize only the one literal shape.
func tableEntries(arg ssa.Value) ([]tableEntry, bool) {
	sl, ok := arg.(*ssa.Slice)
	if !ok {
		return nil, false
	}
	alloc, ok := sl.X.(*ssa.Alloc)
	if !ok {
		return nil, false
	}
	arrType, ok := alloc.Type().Underlying().(*types.Pointer)
	if !ok {
		return nil, false
	}
	array, ok := arrType.Elem().Underlying().(*types.Array)
	if !ok {
		return nil, false
	}
	structType, ok := array.Elem().Underlying().(*types.Struct)
	if !ok {
		return nil, false
	}

	nameIdx, fnIdx, arityIdx := -1, -1, -1
	for i := 0; i < structType.NumFields(); i++ {
		switch structType.Field(i).Name() {
		case "Name":
			nameIdx = i
		case "Fn":
			fnIdx = i
		case "Arity":
			arityIdx = i
		}
	}
	if nameIdx < 0 || fnIdx < 0 || arityIdx < 0 {
		return nil, false
	}

	// indexAddrs[i] is the element pointer for index i of the array.
	indexAddrs := map[int64]ssa.Value{}
	for _, ref := range refsOf(alloc) {
		ia, ok := ref.(*ssa.IndexAddr)
		if !ok {
			continue
		}
		c, ok := ia.Index.(*ssa.Const)
		if !ok {
			continue
		}
		idx, ok := constant.Int64Val(c.Value)
		if !ok {
			continue
		}
		indexAddrs[idx] = ia
	}

	entries := make([]tableEntry, 0, len(indexAddrs))
	for idx := int64(0); ; idx++ {
		ia, ok := indexAddrs[idx]
		if !ok {
			break
		}
		e := tableEntry{}
		for _, fref := range refsOf(ia) {
			fa, ok := fref.(*ssa.FieldAddr)
			if !ok {
				continue
			}
			store := storeInto(fa)
			if store == nil {
				continue
			}
			switch fa.Field {
			case nameIdx:
				if c, ok := store.Val.(*ssa.Const); ok && c.Value != nil {
					e.name = constant.StringVal(c.Value)
				}
			case fnIdx:
				e.fn = underlyingFunc(store.Val)
			case arityIdx:
				if c, ok := store.Val.(*ssa.Const); ok && c.Value != nil {
					if n, ok := constant.Int64Val(c.Value); ok {
						e.arity = n
						e.hasArity = true
					}
				}
			}
		}
		entries = append(entries, e)
	}
	return entries, len(entries) > 0
}

// refsOf returns v's referrers, or nil if the function wasn't built with
// referrer tracking (shouldn't happen for ssa.NaiveForm without
// ssa.NoReferrers, but checked defensively).
func refsOf(v ssa.Value) []ssa.Instruction {
	refs := v.Referrers()
	if refs == nil {
		return nil
	}
	return *refs
}

// storeInto returns the single store writing to addr, if any.
func storeInto(addr ssa.Value) *ssa.Store {
	for _, ref := range refsOf(addr) {
		if s, ok := ref.(*ssa.Store); ok && s.Addr == addr {
			return s
		}
	}
	return nil
}

// underlyingFunc unwraps interface boxing (Fn is typically declared as
// `any`) to find the concrete *ssa.Function, including a closure's
// underlying declaration.
func underlyingFunc(v ssa.Value) *ssa.Function {
	switch x := v.(type) {
	case *ssa.Function:
		return x
	case *ssa.MakeClosure:
		if fn, ok := x.Fn.(*ssa.Function); ok {
			return fn
		}
	case *ssa.MakeInterface:
		return underlyingFunc(x.X)
	case *ssa.ChangeInterface:
		return underlyingFunc(x.X)
	}
	return nil
}
