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
	"strings"
	"testing"

	"golang.org/x/tools/go/ssa"

	"github.com/rchk-go/rchk/analysis/balance"
	"github.com/rchk-go/rchk/analysis/config"
	"github.com/rchk-go/rchk/analysis/diagnostics"
	"github.com/rchk-go/rchk/analysis/symbols"
	"github.com/rchk-go/rchk/internal/rchktest"
)

// protectionStackStub is prepended to every scenario so the synthetic
// package has real Protect/Unprotect/UnprotectPtr functions and a real
// stack-top global for the balance engine to recognize -- it never needs
// to actually run, only to exist as distinct *ssa.Function/*ssa.Global
// values the configured symbol names resolve to.
const protectionStackStub = `
package rchkdemo

var stackTop int

func Protect(x int) int { return x }
func ProtectWithIndex(x int, idx *int) int { return x }
func Unprotect(n int) {}
func UnprotectPtr(x int) {}

`

func runScenario(t *testing.T, body string) (*ssa.Function, *diagnostics.CollectingSink) {
	t.Helper()
	prog, pkg := rchktest.LoadFromSource(t, "rchkdemo", protectionStackStub+body)
	pkgPath := pkg.Pkg.Path()

	cfg := config.NewDefault()
	cfg.ProtectFunction = pkgPath + ".Protect"
	cfg.ProtectWithIndexFunction = pkgPath + ".ProtectWithIndex"
	cfg.UnprotectFunction = pkgPath + ".Unprotect"
	cfg.UnprotectPtrFunction = pkgPath + ".UnprotectPtr"
	cfg.StackTopGlobal = pkgPath + ".stackTop"
	cfg.GCFunction = pkgPath + ".Unprotect" // balance tests don't exercise the allocator engine

	globals, err := symbols.Resolve(prog, cfg)
	if err != nil {
		t.Fatalf("symbols.Resolve: %v", err)
	}

	f := pkg.Func("Target")
	if f == nil {
		t.Fatalf("synthetic package has no Target function")
	}

	sink := diagnostics.NewCollectingSink()
	balance.Run(f, globals, cfg, sink)
	return f, sink
}

func hasTag(sink *diagnostics.CollectingSink, tag string) bool {
	for _, d := range sink.Diags {
		if d.Tag == tag {
			return true
		}
	}
	return false
}

func TestBalancedConstantUnprotect(t *testing.T) {
	_, sink := runScenario(t, `
func Target() {
	Protect(1)
	Protect(2)
	Unprotect(2)
}
`)
	for _, d := range sink.ByLine() {
		if d.Level == diagnostics.Info {
			t.Errorf("unexpected info diagnostic: %s: %s", d.Tag, d.Message)
		}
	}
}

func TestImbalancedMissingUnprotect(t *testing.T) {
	_, sink := runScenario(t, `
func Target() {
	Protect(1)
	Protect(2)
}
`)
	if !hasTag(sink, "imbalance") {
		t.Errorf("expected an imbalance diagnostic, got %v", sink.Diags)
	}
}

func TestNegativeDepthConstantOverUnprotect(t *testing.T) {
	_, sink := runScenario(t, `
func Target() {
	Protect(1)
	Unprotect(2)
}
`)
	if !hasTag(sink, "negative-depth") {
		t.Errorf("expected a negative-depth diagnostic, got %v", sink.Diags)
	}
}

func TestCounterVariableBalanced(t *testing.T) {
	_, sink := runScenario(t, `
func Target() {
	nprotect := 0
	Protect(1)
	nprotect += 1
	Protect(2)
	nprotect += 1
	Unprotect(nprotect)
}
`)
	for _, d := range sink.ByLine() {
		if d.Level == diagnostics.Info {
			t.Errorf("unexpected info diagnostic: %s: %s", d.Tag, d.Message)
		}
	}
}

func TestUninitializedCounterPassedToUnprotect(t *testing.T) {
	_, sink := runScenario(t, `
func Target() {
	var nprotect int
	Protect(1)
	Unprotect(nprotect)
}
`)
	if !hasTag(sink, "uninitialized-counter") {
		t.Errorf("expected an uninitialized-counter diagnostic, got %v", sink.Diags)
	}
}

func TestDirectStackTopManipulationFlagged(t *testing.T) {
	_, sink := runScenario(t, `
func Target() {
	stackTop = 0
}
`)
	if !hasTag(sink, "direct-stacktop-store") {
		t.Errorf("expected a direct-stacktop-store diagnostic, got %v", sink.Diags)
	}
}

func TestSaveRestoreStackTop(t *testing.T) {
	_, sink := runScenario(t, `
func Target() {
	save := stackTop
	Protect(1)
	Protect(2)
	stackTop = save
}
`)
	for _, d := range sink.ByLine() {
		if d.Level == diagnostics.Info {
			t.Errorf("unexpected info diagnostic: %s: %s", d.Tag, d.Message)
		}
	}
}

func TestDepthSaturationReportsTooDeep(t *testing.T) {
	var body strings.Builder
	body.WriteString("func Target() {\n")
	for i := 0; i < config.DefaultMaxDepth+1; i++ {
		body.WriteString("\tProtect(1)\n")
	}
	// An unrelated branch, so the terminator reached right after the
	// overflowing Protect is a Jump/If rather than a bare Return --
	// handleBalanceForTerminator's MAX_DEPTH check (and this port's) never
	// runs on a Return terminator, since a function exit has no successors
	// left to bound. The branch body is non-empty: go/ssa folds an If over an
	// empty block into a Jump and fuses the blocks, which would leave the
	// Protect calls in the same block as the Return.
	body.WriteString("\tif stackTop != 0 {\n\t\tProtect(1)\n\t\tUnprotect(1)\n\t}\n}\n")

	_, sink := runScenario(t, body.String())
	if !hasTag(sink, "too-deep") {
		t.Errorf("expected a too-deep diagnostic once depth exceeds MaxDepth, got %v", sink.Diags)
	}
}

func TestCounterSaturationFoldsDiffUnprotectIdiom(t *testing.T) {
	n := config.DefaultMaxCount + 1
	var body strings.Builder
	body.WriteString("func Target() {\n\tnprotect := 0\n")
	for i := 0; i < n; i++ {
		body.WriteString("\tProtect(1)\n\tnprotect += 1\n")
	}
	// "if (n) UNPROTECT(n)" -- the exact three-instruction idiom
	// foldDiffUnprotectIdiom recognizes as an already-executed
	// UNPROTECT(counter) once the counter itself has saturated into the
	// differential regime.
	body.WriteString("\tif nprotect != 0 {\n\t\tUnprotect(nprotect)\n\t}\n}\n")

	_, sink := runScenario(t, body.String())
	if !hasTag(sink, "fold-diff-unprotect") {
		t.Errorf("expected the counter to saturate into the diff regime and fold the unprotect idiom, got %v", sink.Diags)
	}
	if hasTag(sink, "imbalance") || hasTag(sink, "negative-depth") {
		t.Errorf("expected the folded diff-unprotect idiom to leave the stack balanced, got %v", sink.Diags)
	}
}

func TestUnprotectCounterInDiffStateAfterSaturation(t *testing.T) {
	n := config.DefaultMaxCount + 1
	var body strings.Builder
	body.WriteString("func Target() {\n\tnprotect := 0\n")
	for i := 0; i < n; i++ {
		body.WriteString("\tProtect(1)\n\tnprotect += 1\n")
	}
	// A plain, unconditional UNPROTECT(nprotect) reached once the counter
	// is already in the diff regime -- handleUnprotect's CSDiff case, not
	// the branch-folding idiom above. The unrelated branch has a non-empty
	// body so go/ssa keeps it as an If terminator, where the counter
	// saturates, instead of fusing everything into the Return block.
	body.WriteString("\tif stackTop != 0 {\n\t\tProtect(1)\n\t\tUnprotect(1)\n\t}\n\tUnprotect(nprotect)\n}\n")

	_, sink := runScenario(t, body.String())
	if !hasTag(sink, "unprotect-counter-diff") {
		t.Errorf("expected an unprotect-counter-diff diagnostic once the counter saturates, got %v", sink.Diags)
	}
}

func TestConditionalCounterFoldedExact(t *testing.T) {
	_, sink := runScenario(t, `
func Target() {
	nprotect := 0
	Protect(1)
	nprotect += 1
	if nprotect == 1 {
		Unprotect(nprotect)
	} else {
		Unprotect(2)
	}
}
`)
	// the counter is exactly 1 here, so only the true branch
	// (Unprotect(nprotect), leaving depth balanced) is folded in -- the
	// false branch's Unprotect(2) must never be reached, hence no
	// negative-depth finding.
	if hasTag(sink, "negative-depth") {
		t.Errorf("branch folding should have excluded the unreachable false branch, got %v", sink.Diags)
	}
}
