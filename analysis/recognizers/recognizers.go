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

// Package recognizers classifies local stack slots (*ssa.Alloc values) as
// protection counter variables or stack-top save slots, by the shape of
// their uses. These are pure functions of the IR, ported from
// original_source/src/balance.cpp's isProtectionCounterVariable and
// isProtectionStackTopSaveVariable; memoized here since the same *ssa.Alloc
// is re-queried on every worklist transition that touches it.
package recognizers

import (
	"go/token"
	"go/types"

	"golang.org/x/tools/go/ssa"

	"github.com/rchk-go/rchk/analysis/symbols"
)

// Memo caches classification results for one balance/allocator run over
// one function. A fresh Memo per function is correct and sound: IR shape
// never changes mid-analysis, so memoizing per-run is free reuse, not a
// soundness risk.
type Memo struct {
	globals    *symbols.Globals
	isCounter  map[*ssa.Alloc]bool
	isSaveSlot map[*ssa.Alloc]bool
}

// NewMemo returns a fresh, empty classification cache.
func NewMemo(globals *symbols.Globals) *Memo {
	return &Memo{
		globals:    globals,
		isCounter:  map[*ssa.Alloc]bool{},
		isSaveSlot: map[*ssa.Alloc]bool{},
	}
}

// IsCounterVariable reports whether v is used only the way a protection
// counter is used: stored a constant, or its own value plus a constant,
// otherwise only read, and at least one of those reads is passed directly
// to the unprotect primitive. Any other use, or no use feeding unprotect,
// and the slot fails closed (not a counter) -- matching balance.cpp's
// conservative default.
func (m *Memo) IsCounterVariable(v *ssa.Alloc) bool {
	if cached, ok := m.isCounter[v]; ok {
		return cached
	}
	if !isIntSlot(v) {
		m.isCounter[v] = false
		return false
	}
	passedToUnprotect := false
	ok := allUsesAre(v, func(instr ssa.Instruction) bool {
		switch i := instr.(type) {
		case *ssa.Store:
			return i.Addr == v && isValidCounterStoreValue(i.Val, v)
		case *ssa.UnOp:
			if i.Op != token.MUL || i.X != v {
				return false
			}
			if !hasOneUse(i) {
				return false
			}
			if feedsUnprotect(i, m.globals.Unprotect) {
				passedToUnprotect = true
			}
			return true
		default:
			return false
		}
	})
	result := ok && passedToUnprotect
	m.isCounter[v] = result
	return result
}

// IsStackTopSaveSlot reports whether v is used only the way a
// "remember the stack depth, restore it later" slot is used: stores of the
// stack-top global's current value (at least one), and otherwise only
// reads, each of which has a single use: a store restoring it back to the
// global.
func (m *Memo) IsStackTopSaveSlot(v *ssa.Alloc) bool {
	if cached, ok := m.isSaveSlot[v]; ok {
		return cached
	}
	if m.globals.StackTop == nil || !isIntSlot(v) {
		m.isSaveSlot[v] = false
		return false
	}
	sawInitialStore := false
	ok := allUsesAre(v, func(instr ssa.Instruction) bool {
		switch i := instr.(type) {
		case *ssa.Store:
			if i.Addr != v || !loadsGlobal(i.Val, m.globals.StackTop) || !hasOneUse(i.Val) {
				return false
			}
			sawInitialStore = true
			return true
		case *ssa.UnOp:
			if i.Op != token.MUL || i.X != v {
				return false
			}
			return hasOneUse(i) && storesToGlobal(soleUse(i), m.globals.StackTop)
		default:
			return false
		}
	})
	result := ok && sawInitialStore
	m.isSaveSlot[v] = result
	return result
}

// isIntSlot reports whether v is an alloca of an integer-like type (the
// counter and save-slot discipline is always over a plain int).
func isIntSlot(v *ssa.Alloc) bool {
	ptr, ok := v.Type().Underlying().(*types.Pointer)
	if !ok {
		return false
	}
	basic, ok := ptr.Elem().Underlying().(*types.Basic)
	return ok && basic.Info()&types.IsInteger != 0
}

func allUsesAre(v *ssa.Alloc, ok func(ssa.Instruction) bool) bool {
	refs := v.Referrers()
	if refs == nil {
		return true
	}
	for _, use := range *refs {
		if !ok(use) {
			return false
		}
	}
	return true
}

// isValidCounterStoreValue reports whether val is one of the two shapes
// balance.cpp's isProtectionCounterVariable accepts as a store into a
// counter slot: a bare constant ("nprotect = 3"), or slot's own current
// value plus a constant in either operand order ("nprotect += 3"). Any
// other binary operator, a non-ADD combination, or operands that are both
// (or neither) a constant fails closed -- there is no recursive case, since
// the original never allows nested arithmetic either.
func isValidCounterStoreValue(val ssa.Value, slot *ssa.Alloc) bool {
	switch v := val.(type) {
	case *ssa.Const:
		return true
	case *ssa.BinOp:
		if v.Op != token.ADD {
			return false
		}
		_, xConst := v.X.(*ssa.Const)
		_, yConst := v.Y.(*ssa.Const)
		switch {
		case xConst && !yConst:
			return isDirectLoadOf(v.Y, slot)
		case yConst && !xConst:
			return isDirectLoadOf(v.X, slot)
		default:
			return false
		}
	default:
		return false
	}
}

// isDirectLoadOf reports whether v is exactly a load of slot -- not a load
// nested inside further arithmetic.
func isDirectLoadOf(v ssa.Value, slot *ssa.Alloc) bool {
	unop, ok := v.(*ssa.UnOp)
	return ok && unop.Op == token.MUL && unop.X == slot
}

func loadsGlobal(v ssa.Value, g *ssa.Global) bool {
	unop, ok := v.(*ssa.UnOp)
	return ok && unop.Op == token.MUL && unop.X == g
}

// hasOneUse reports whether v has exactly one referrer -- balance.cpp's
// l->hasOneUse() gate, required before trusting a load's single use as the
// whole story for that load.
func hasOneUse(v ssa.Value) bool {
	refs := v.Referrers()
	return refs != nil && len(*refs) == 1
}

// soleUse returns v's one referrer; only valid to call once hasOneUse(v)
// has been checked.
func soleUse(v ssa.Value) ssa.Instruction {
	refs := v.Referrers()
	return (*refs)[0]
}

func storesToGlobal(instr ssa.Instruction, g *ssa.Global) bool {
	st, ok := instr.(*ssa.Store)
	return ok && st.Addr == g
}

// feedsUnprotect reports whether load is passed as the first argument of a
// direct call to unprotect.
func feedsUnprotect(load *ssa.UnOp, unprotect *ssa.Function) bool {
	if unprotect == nil {
		return false
	}
	refs := load.Referrers()
	if refs == nil {
		return false
	}
	for _, use := range *refs {
		call, ok := use.(*ssa.Call)
		if !ok {
			continue
		}
		if call.Call.StaticCallee() == unprotect && len(call.Call.Args) > 0 && call.Call.Args[0] == ssa.Value(load) {
			return true
		}
	}
	return false
}
