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

package allocator_test

import (
	"testing"

	"github.com/rchk-go/rchk/analysis"
	"github.com/rchk-go/rchk/analysis/allocator"
	"github.com/rchk-go/rchk/analysis/closure"
	"github.com/rchk-go/rchk/analysis/config"
	"github.com/rchk-go/rchk/analysis/signatures"
	"github.com/rchk-go/rchk/analysis/symbols"
	"github.com/rchk-go/rchk/internal/rchktest"
)

// gcStub is prepended to every scenario: a tracked pointer type (SEXP), a GC
// signature, and one possible-allocator wrapper (Alloc) that calls it --
// enough for the CHA pre-pass to classify both as allocating/possible
// allocators before the path-sensitive sweep runs. Protect/Unprotect/
// stackTop are never exercised by the allocator engine, but symbols.Resolve
// requires them to be resolvable.
const gcStub = `
package rchkdemo

type SEXP = *int

var stackTop int

func Protect(x SEXP) SEXP { return x }
func Unprotect(n int)     {}

func GC() {}

func Alloc() SEXP {
	GC()
	return new(int)
}

func Intern(name string) SEXP {
	return new(int)
}

func AllocSym(sym SEXP) SEXP {
	GC()
	return new(int)
}

`

type fixture struct {
	globals    *symbols.Globals
	cfg        *config.Config
	classifier *allocator.Classifier
	interner   *signatures.Interner
}

func setup(t *testing.T, body string) (*fixture, func(name string) *signatures.Signature, func(name string) (called, wrapped *signatures.OrderedSet)) {
	t.Helper()
	prog, pkg := rchktest.LoadFromSource(t, "rchkdemo", gcStub+body)
	pkgPath := pkg.Pkg.Path()

	cfg := config.NewDefault()
	cfg.ProtectFunction = pkgPath + ".Protect"
	cfg.UnprotectFunction = pkgPath + ".Unprotect"
	cfg.StackTopGlobal = pkgPath + ".stackTop"
	cfg.GCFunction = pkgPath + ".GC"
	cfg.InternFunction = pkgPath + ".Intern"

	globals, err := symbols.Resolve(prog, cfg)
	if err != nil {
		t.Fatalf("symbols.Resolve: %v", err)
	}

	cg := analysis.ComputeCallgraph(prog)
	allocating, possible := closure.CoarseAllocators(cg, globals)
	classifier := &allocator.Classifier{Allocating: allocating, Allocators: possible}
	interner := signatures.NewInterner()

	sigFor := func(name string) *signatures.Signature {
		f := pkg.Func(name)
		if f == nil {
			t.Fatalf("synthetic package has no %s function", name)
		}
		return interner.Intern(f, nil)
	}

	run := func(name string) (*signatures.OrderedSet, *signatures.OrderedSet) {
		f := pkg.Func(name)
		if f == nil {
			t.Fatalf("synthetic package has no %s function", name)
		}
		return allocator.Run(f, globals, cfg, classifier, interner)
	}

	return &fixture{globals: globals, cfg: cfg, classifier: classifier, interner: interner}, sigFor, run
}

func TestDirectlyReturnedAllocatorIsWrapped(t *testing.T) {
	_, sigFor, run := setup(t, `
func Target() SEXP {
	return Alloc()
}
`)
	called, wrapped := run("Target")
	allocSig := sigFor("Alloc")
	if !called.Has(allocSig) {
		t.Errorf("expected Target to call Alloc, called=%v", called.Members())
	}
	if !wrapped.Has(allocSig) {
		t.Errorf("expected Target to wrap Alloc's result, wrapped=%v", wrapped.Members())
	}
}

func TestVariableOriginTrackedThroughLocal(t *testing.T) {
	_, sigFor, run := setup(t, `
func Target() SEXP {
	x := Alloc()
	return x
}
`)
	_, wrapped := run("Target")
	allocSig := sigFor("Alloc")
	if !wrapped.Has(allocSig) {
		t.Errorf("expected Target to wrap Alloc's result via local x, wrapped=%v", wrapped.Members())
	}
}

func TestCalledWithoutTrackedReturnIsStillRecorded(t *testing.T) {
	_, sigFor, run := setup(t, `
func Consumer() {
	Alloc()
}
`)
	called, wrapped := run("Consumer")
	allocSig := sigFor("Alloc")
	if !called.Has(allocSig) {
		t.Errorf("expected Consumer to call Alloc, called=%v", called.Members())
	}
	if wrapped.Len() != 0 {
		t.Errorf("Consumer does not return a tracked pointer, expected no wrapped signatures, got %v", wrapped.Members())
	}
}

func TestGCItselfIsExceptionWrapped(t *testing.T) {
	fix, _, run := setup(t, `
func Direct() SEXP {
	GC()
	return new(int)
}
`)
	called, wrapped := run("Direct")
	gcSig := fix.interner.Intern(fix.globals.GC, nil)
	if !called.Has(gcSig) {
		t.Fatalf("expected Direct to record a direct call to GC, called=%v", called.Members())
	}
	if !wrapped.Has(gcSig) {
		t.Errorf("expected the GC-is-an-exception heuristic to mark Direct as wrapping GC, wrapped=%v", wrapped.Members())
	}
}

func TestSymbolArgumentContextSensitivity(t *testing.T) {
	_, _, run := setup(t, `
func TargetA() SEXP {
	return AllocSym(Intern("a"))
}
func TargetB() SEXP {
	return AllocSym(Intern("b"))
}
`)
	calledA, _ := run("TargetA")
	calledB, _ := run("TargetB")
	if calledA.Len() != 1 || calledB.Len() != 1 {
		t.Fatalf("expected exactly one call recorded each, got %d and %d", calledA.Len(), calledB.Len())
	}
	sigA := calledA.Members()[0]
	sigB := calledB.Members()[0]
	if sigA == sigB {
		t.Errorf("expected AllocSym(Intern(\"a\")) and AllocSym(Intern(\"b\")) to intern distinct context-sensitive signatures")
	}
}
