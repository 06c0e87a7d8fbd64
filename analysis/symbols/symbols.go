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

// Package symbols resolves the dotted function/global names named in the
// configuration against the loaded program, and answers the "is this call
// an error path" question the balance and allocator engines both need.
package symbols

import (
	"fmt"
	"go/types"

	"golang.org/x/tools/go/ssa"

	"github.com/rchk-go/rchk/analysis/config"
)

// Globals is the resolved form of config.Symbols: every recognized name
// turned into the *ssa.Function or *ssa.Global it denotes. C2-C6 take a
// *Globals rather than a *config.Config so they never have to re-resolve
// names or handle "not configured".
type Globals struct {
	Protect            *ssa.Function
	ProtectWithIndex    *ssa.Function
	Unprotect          *ssa.Function
	UnprotectPtr       *ssa.Function
	StackTop           *ssa.Global
	Intern             *ssa.Function
	GC                 *ssa.Function
	RegisterRoutines   *ssa.Function
	ErrorFunctions     map[*ssa.Function]bool
	NonAllocators      map[*ssa.Function]bool
	InitialAllocators  map[*ssa.Function]bool
}

// Resolve builds a Globals by looking up every dotted name in cfg.Symbols
// against prog. Protect/Unprotect/StackTop/GC are required; the rest are
// optional (a nil/empty field just disables the feature that needs it,
// e.g. no RegisterRoutines means "ffi" has nothing to check).
func Resolve(prog *ssa.Program, cfg *config.Config) (*Globals, error) {
	g := &Globals{
		ErrorFunctions:    map[*ssa.Function]bool{},
		NonAllocators:     map[*ssa.Function]bool{},
		InitialAllocators: map[*ssa.Function]bool{},
	}

	var err error
	if g.Protect, err = lookupFunc(prog, cfg.ProtectFunction); err != nil {
		return nil, fmt.Errorf("protect-function: %w", err)
	}
	if cfg.ProtectWithIndexFunction != "" {
		if g.ProtectWithIndex, err = lookupFunc(prog, cfg.ProtectWithIndexFunction); err != nil {
			return nil, fmt.Errorf("protect-with-index-function: %w", err)
		}
	}
	if g.Unprotect, err = lookupFunc(prog, cfg.UnprotectFunction); err != nil {
		return nil, fmt.Errorf("unprotect-function: %w", err)
	}
	if cfg.UnprotectPtrFunction != "" {
		if g.UnprotectPtr, err = lookupFunc(prog, cfg.UnprotectPtrFunction); err != nil {
			return nil, fmt.Errorf("unprotect-ptr-function: %w", err)
		}
	}
	if g.StackTop, err = lookupGlobal(prog, cfg.StackTopGlobal); err != nil {
		return nil, fmt.Errorf("stack-top-global: %w", err)
	}
	if cfg.InternFunction != "" {
		if g.Intern, err = lookupFunc(prog, cfg.InternFunction); err != nil {
			return nil, fmt.Errorf("intern-function: %w", err)
		}
	}
	if g.GC, err = lookupFunc(prog, cfg.GCFunction); err != nil {
		return nil, fmt.Errorf("gc-function: %w", err)
	}
	if cfg.RegisterRoutinesFunction != "" {
		if g.RegisterRoutines, err = lookupFunc(prog, cfg.RegisterRoutinesFunction); err != nil {
			return nil, fmt.Errorf("register-routines-function: %w", err)
		}
	}

	for _, name := range cfg.ErrorFunctions {
		f, err := lookupFunc(prog, name)
		if err != nil {
			return nil, fmt.Errorf("error-functions: %w", err)
		}
		g.ErrorFunctions[f] = true
	}
	for _, name := range cfg.NonAllocators {
		f, err := lookupFunc(prog, name)
		if err != nil {
			return nil, fmt.Errorf("non-allocators: %w", err)
		}
		g.NonAllocators[f] = true
	}
	for _, name := range cfg.InitialAllocators {
		f, err := lookupFunc(prog, name)
		if err != nil {
			return nil, fmt.Errorf("initial-allocators: %w", err)
		}
		g.InitialAllocators[f] = true
	}

	return g, nil
}

// lookupFunc splits name as "<import path>.<Func>" and finds the
// corresponding *ssa.Function among the program's packages.
func lookupFunc(prog *ssa.Program, name string) (*ssa.Function, error) {
	if name == "" {
		return nil, fmt.Errorf("empty function name")
	}
	pkgPath, member, err := splitDotted(name)
	if err != nil {
		return nil, err
	}
	pkg := findPackage(prog, pkgPath)
	if pkg == nil {
		return nil, fmt.Errorf("package %s not found in program", pkgPath)
	}
	m, ok := pkg.Members[member]
	if !ok {
		return nil, fmt.Errorf("%s not found in package %s", member, pkgPath)
	}
	f, ok := m.(*ssa.Function)
	if !ok {
		return nil, fmt.Errorf("%s.%s is not a function", pkgPath, member)
	}
	return f, nil
}

// lookupGlobal splits name as "<import path>.<var>" and finds the
// corresponding *ssa.Global.
func lookupGlobal(prog *ssa.Program, name string) (*ssa.Global, error) {
	if name == "" {
		return nil, fmt.Errorf("empty global name")
	}
	pkgPath, member, err := splitDotted(name)
	if err != nil {
		return nil, err
	}
	pkg := findPackage(prog, pkgPath)
	if pkg == nil {
		return nil, fmt.Errorf("package %s not found in program", pkgPath)
	}
	m, ok := pkg.Members[member]
	if !ok {
		return nil, fmt.Errorf("%s not found in package %s", member, pkgPath)
	}
	gv, ok := m.(*ssa.Global)
	if !ok {
		return nil, fmt.Errorf("%s.%s is not a global variable", pkgPath, member)
	}
	return gv, nil
}

func splitDotted(name string) (pkgPath string, member string, err error) {
	i := lastDot(name)
	if i < 0 {
		return "", "", fmt.Errorf("expected <import path>.<name>, got %q", name)
	}
	return name[:i], name[i+1:], nil
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

func findPackage(prog *ssa.Program, path string) *ssa.Package {
	for _, pkg := range prog.AllPackages() {
		if pkg.Pkg.Path() == path {
			return pkg
		}
	}
	return nil
}

// IsErrorCall reports whether instr calls one of the configured
// noreturn error functions.
func (g *Globals) IsErrorCall(instr ssa.CallInstruction) bool {
	callee := instr.Common().StaticCallee()
	return callee != nil && g.ErrorFunctions[callee]
}

// ErrorBasicBlocks returns the set of blocks dominated by a call to a
// configured error function: these are skipped by the balance and
// allocator engines, mirroring original_source/src/callocators.cpp's
// errorBasicBlocks short-circuit (an unreachable "after the error" block
// that would otherwise look unbalanced is simply not reported).
func (g *Globals) ErrorBasicBlocks(f *ssa.Function) map[*ssa.BasicBlock]bool {
	errs := map[*ssa.BasicBlock]bool{}
	if len(g.ErrorFunctions) == 0 || f.Blocks == nil {
		return errs
	}
	for _, b := range f.Blocks {
		for _, instr := range b.Instrs {
			if call, ok := instr.(ssa.CallInstruction); ok && g.IsErrorCall(call) {
				errs[b] = true
				break
			}
		}
	}
	// propagate to every block dominated by an error block (anything
	// only reachable through it)
	changed := true
	for changed {
		changed = false
		for _, b := range f.Blocks {
			if errs[b] {
				continue
			}
			if len(b.Preds) > 0 && allIn(errs, b.Preds) {
				errs[b] = true
				changed = true
			}
		}
	}
	return errs
}

func allIn(set map[*ssa.BasicBlock]bool, bs []*ssa.BasicBlock) bool {
	for _, b := range bs {
		if !set[b] {
			return false
		}
	}
	return true
}

// SEXPType is the tracked pointer type name used as a heuristic by the GC
// exception in the allocator engine: any function returning this type and
// calling GC is assumed to (possibly) wrap the GC signature's result.
func SEXPType(t types.Type) bool {
	_, ok := t.Underlying().(*types.Pointer)
	return ok
}
