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

package closure_test

import (
	"testing"

	"golang.org/x/tools/go/ssa"

	"github.com/rchk-go/rchk/analysis"
	"github.com/rchk-go/rchk/analysis/closure"
	"github.com/rchk-go/rchk/analysis/signatures"
	"github.com/rchk-go/rchk/analysis/symbols"
	"github.com/rchk-go/rchk/internal/rchktest"
)

const coarseSrc = `
package rchkdemo

func GC() {}
func Alloc() { GC() }
func Wrapper() { Alloc() }
func Excluded() { Wrapper() }
func Unrelated() {}
`

func TestCoarseAllocators(t *testing.T) {
	prog, pkg := rchktest.LoadFromSource(t, "rchkdemo", coarseSrc)
	cg := analysis.ComputeCallgraph(prog)

	g := &symbols.Globals{
		GC:            pkg.Func("GC"),
		NonAllocators: map[*ssa.Function]bool{pkg.Func("Excluded"): true},
	}
	allocating, possible := closure.CoarseAllocators(cg, g)

	for _, name := range []string{"GC", "Alloc", "Wrapper", "Excluded"} {
		f := pkg.Func(name)
		if !allocating[f] {
			t.Errorf("expected %s to be classified allocating", name)
		}
	}
	if allocating[pkg.Func("Unrelated")] {
		t.Errorf("Unrelated never reaches GC, should not be classified allocating")
	}

	if possible[pkg.Func("Excluded")] {
		t.Errorf("Excluded is configured as a non-allocator, should not be a possible allocator")
	}
	for _, name := range []string{"GC", "Alloc", "Wrapper"} {
		f := pkg.Func(name)
		if !possible[f] {
			t.Errorf("expected %s to be classified as a possible allocator", name)
		}
	}
}

func TestComputeCalledAllocatorsTransitiveClosure(t *testing.T) {
	_, pkg := rchktest.LoadFromSource(t, "rchkdemo", coarseSrc)

	interner := signatures.NewInterner()
	gc := interner.Intern(pkg.Func("GC"), nil)
	alloc := interner.Intern(pkg.Func("Alloc"), nil)
	wrapper := interner.Intern(pkg.Func("Wrapper"), nil)

	// Alloc directly calls+wraps GC; Wrapper directly calls+wraps Alloc.
	// The transitive closure should conclude Wrapper calls+wraps GC too,
	// even though no PerFunctionResult says so directly.
	allocResult := closure.PerFunctionResult{
		Sig:     alloc,
		Called:  setOf(gc),
		Wrapped: setOf(gc),
	}
	wrapperResult := closure.PerFunctionResult{
		Sig:     wrapper,
		Called:  setOf(alloc),
		Wrapped: setOf(alloc),
	}

	allocating, possibleAllocators := closure.ComputeCalledAllocators(
		[]closure.PerFunctionResult{allocResult, wrapperResult}, interner, gc)

	if !allocating.Has(wrapper) {
		t.Errorf("expected Wrapper to transitively call GC, allocating=%v", allocating.Members())
	}
	if !possibleAllocators.Has(wrapper) {
		t.Errorf("expected Wrapper to transitively wrap GC, possibleAllocators=%v", possibleAllocators.Members())
	}
	if !allocating.Has(gc) || !possibleAllocators.Has(gc) {
		t.Errorf("GC itself must always be seeded into both sets")
	}
}

const recursiveAllocatorsSrc = `
package rchkdemo

func GC() {}

func a() { GC(); b() }
func b() { c() }
func c() { a() }

func standalone() { GC() }
`

func TestRecursiveAllocatorGroups(t *testing.T) {
	prog, pkg := rchktest.LoadFromSource(t, "rchkdemo", recursiveAllocatorsSrc)
	cg := analysis.ComputeCallgraph(prog)

	g := &symbols.Globals{GC: pkg.Func("GC")}
	allocating, _ := closure.CoarseAllocators(cg, g)

	groups := closure.RecursiveAllocatorGroups(cg, allocating)
	if len(groups) == 0 {
		t.Fatalf("expected at least one recursive allocator group among a/b/c")
	}

	found := false
	for _, group := range groups {
		names := map[string]bool{}
		for _, f := range group {
			names[f.Name()] = true
		}
		if names["a"] && names["b"] && names["c"] {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a group containing a, b, and c, got %v", groups)
	}
}

func setOf(sigs ...*signatures.Signature) *signatures.OrderedSet {
	s := signatures.NewOrderedSet()
	for _, sig := range sigs {
		s.Add(sig)
	}
	return s
}
