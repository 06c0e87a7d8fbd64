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

package recognizers_test

import (
	"testing"

	"golang.org/x/tools/go/ssa"

	"github.com/rchk-go/rchk/analysis/config"
	"github.com/rchk-go/rchk/analysis/recognizers"
	"github.com/rchk-go/rchk/analysis/symbols"
	"github.com/rchk-go/rchk/internal/rchktest"
)

const protectionStackStub = `
package rchkdemo

var stackTop int

func Protect(x int) int { return x }
func ProtectWithIndex(x int, idx *int) int { return x }
func Unprotect(n int) {}
func UnprotectPtr(x int) {}

`

// load builds a synthetic package's Target function plus a Memo seeded
// with its resolved globals.
func load(t *testing.T, body string) (*ssa.Function, *recognizers.Memo) {
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
	return f, recognizers.NewMemo(globals)
}

// findLocal returns the *ssa.Alloc whose source name is name, as recorded
// in its Comment field by the NaiveForm SSA builder.
func findLocal(t *testing.T, f *ssa.Function, name string) *ssa.Alloc {
	t.Helper()
	for _, l := range f.Locals {
		if l.Comment == name {
			return l
		}
	}
	t.Fatalf("no local named %q in %s", name, f)
	return nil
}

func TestCounterVariableRecognizedForPlainAddIdiom(t *testing.T) {
	f, m := load(t, `
func Target() {
	nprotect := 0
	Protect(1)
	nprotect += 1
	Unprotect(nprotect)
}
`)
	slot := findLocal(t, f, "nprotect")
	if !m.IsCounterVariable(slot) {
		t.Errorf("expected nprotect to be recognized as a counter variable")
	}
}

// A store using a non-ADD binary operator (here *=) is not one of the two
// shapes balance.cpp's isProtectionCounterVariable accepts for a counter
// store -- it must disqualify the whole slot rather than be treated like
// "nprotect += k" because one operand happens to be a constant.
func TestNonAddStoreDisqualifiesCounter(t *testing.T) {
	f, m := load(t, `
func Target() {
	nprotect := 1
	Protect(1)
	nprotect *= 2
	Unprotect(nprotect)
}
`)
	slot := findLocal(t, f, "nprotect")
	if m.IsCounterVariable(slot) {
		t.Errorf("expected nprotect *= 2 to disqualify the counter, but it was recognized")
	}
}

// A load of the counter with more than one use -- here, the switch tag
// value compared against every case -- must disqualify the whole slot
// even though every other load of nprotect feeds Unprotect exactly the
// way a legitimate counter does. This is balance.cpp's l->hasOneUse()
// gate: fails closed on the first use pattern it can't vouch for.
func TestMultiUseLoadDisqualifiesCounter(t *testing.T) {
	f, m := load(t, `
func Target() {
	nprotect := 0
	Protect(1)
	nprotect += 1
	switch nprotect {
	case 1:
		Unprotect(nprotect)
	case 2:
		Unprotect(nprotect)
	}
}
`)
	slot := findLocal(t, f, "nprotect")
	if m.IsCounterVariable(slot) {
		t.Errorf("expected the multiply-used switch-tag load to disqualify the counter, but it was recognized")
	}
}

func TestStackTopSaveSlotRecognizedForSaveRestore(t *testing.T) {
	f, m := load(t, `
func Target() {
	save := stackTop
	Protect(1)
	stackTop = save
}
`)
	slot := findLocal(t, f, "save")
	if !m.IsStackTopSaveSlot(slot) {
		t.Errorf("expected save to be recognized as a stack-top save slot")
	}
}

// A save slot read by a switch tag compared against more than one case is
// read through a single load with more than one referrer -- it must
// disqualify the slot even though every branch restores stackTop from it
// exactly the way a legitimate save/restore pair would.
func TestMultiUseLoadDisqualifiesSaveSlot(t *testing.T) {
	f, m := load(t, `
func Target() {
	save := stackTop
	Protect(1)
	switch save {
	case 0:
		stackTop = save
	case 1:
		stackTop = save
	}
}
`)
	slot := findLocal(t, f, "save")
	if m.IsStackTopSaveSlot(slot) {
		t.Errorf("expected the multiply-used switch-tag load to disqualify the save slot, but it was recognized")
	}
}
