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

package balance_test

import (
	"testing"

	"github.com/rchk-go/rchk/analysis/balance"
	"github.com/rchk-go/rchk/analysis/config"
	"github.com/rchk-go/rchk/analysis/diagnostics"
	"github.com/rchk-go/rchk/analysis/symbols"
	"github.com/rchk-go/rchk/internal/rchktest"
)

func runSuggest(t *testing.T, body string) map[int]int {
	t.Helper()
	prog, pkg := rchktest.LoadFromSource(t, "rchkdemo", protectionStackStub+body)
	pkgPath := pkg.Pkg.Path()

	cfg := config.NewDefault()
	cfg.ProtectFunction = pkgPath + ".Protect"
	cfg.ProtectWithIndexFunction = pkgPath + ".ProtectWithIndex"
	cfg.UnprotectFunction = pkgPath + ".Unprotect"
	cfg.UnprotectPtrFunction = pkgPath + ".UnprotectPtr"
	cfg.StackTopGlobal = pkgPath + ".stackTop"
	cfg.GCFunction = pkgPath + ".Unprotect"

	globals, err := symbols.Resolve(prog, cfg)
	if err != nil {
		t.Fatalf("symbols.Resolve: %v", err)
	}

	f := pkg.Func("Target")
	if f == nil {
		t.Fatalf("synthetic package has no Target function")
	}

	sink := diagnostics.NewCollectingSink()
	fixes := balance.SuggestFixes(f, globals, cfg, sink)

	byLine := map[int]int{}
	for ret, depth := range fixes {
		byLine[prog.Fset.Position(ret.Pos()).Line] = depth
	}
	return byLine
}

func TestSuggestFixesExactDepth(t *testing.T) {
	fixes := runSuggest(t, `
func Target() {
	Protect(1)
	Protect(2)
	return
}
`)
	if len(fixes) != 1 {
		t.Fatalf("expected exactly one suggested fix, got %v", fixes)
	}
	for _, depth := range fixes {
		if depth != 2 {
			t.Errorf("expected a suggested depth of 2, got %d", depth)
		}
	}
}

func TestSuggestFixesBalancedReturnHasNoFix(t *testing.T) {
	fixes := runSuggest(t, `
func Target() {
	Protect(1)
	Protect(2)
	Unprotect(2)
	return
}
`)
	if len(fixes) != 0 {
		t.Errorf("expected no suggested fixes for an already-balanced return, got %v", fixes)
	}
}

// A counter variable that tracks protects but is never passed to Unprotect
// doesn't put the engine in CSDiff -- Depth still comes straight from the
// Protect calls, so the suggestion is unaffected by its presence.
func TestSuggestFixesUnusedCounterVariable(t *testing.T) {
	fixes := runSuggest(t, `
func Target() {
	nprotect := 0
	Protect(1)
	nprotect += 1
	Protect(2)
	nprotect += 1
	return
}
`)
	if len(fixes) != 1 {
		t.Fatalf("expected exactly one suggested fix, got %v", fixes)
	}
	for _, depth := range fixes {
		if depth != 2 {
			t.Errorf("expected a suggested depth of 2, got %d", depth)
		}
	}
}
