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

// Package guards tracks two small path-sensitive fact lattices over SSA
// values: integer guards (is a counter zero, nonzero, or unknown) and
// "SEXP" guards (is a tracked pointer value null, non-null, a known
// interned symbol, or unknown). Both participate in the packed worklist
// state the balance and allocator engines dedup on (analysis/worklist).
package guards

import (
	"go/constant"
	"go/token"
	"sort"
	"strings"

	"golang.org/x/tools/go/ssa"
)

// IntFact is a fact about an integer-typed SSA value.
type IntFact int

const (
	IntTop IntFact = iota
	IntZero
	IntNonZero
)

// SEXPFact is a fact about a tracked-pointer-typed SSA value.
type SEXPFact struct {
	Kind   SEXPKind
	Symbol string // meaningful only when Kind == SEXPSymbol
}

// SEXPKind discriminates the SEXPFact variant.
type SEXPKind int

const (
	SEXPTop SEXPKind = iota
	SEXPNull
	SEXPNonNull
	SEXPSymbol
)

// Top is the "nothing known" SEXP fact.
var Top = SEXPFact{Kind: SEXPTop}

// State holds every guard fact known at one program point. It is a plain
// value type (no pointers into it survive across states), so copying it
// when forking a worklist state is just a field-by-field copy of two
// small maps -- cheap enough that the worklist never needs to structurally
// share instances.
type State struct {
	Ints  map[ssa.Value]IntFact
	SEXPs map[ssa.Value]SEXPFact
}

// New returns an empty guard state (every value implicitly Top).
func New() State {
	return State{Ints: map[ssa.Value]IntFact{}, SEXPs: map[ssa.Value]SEXPFact{}}
}

// Clone returns an independent copy of s.
func (s State) Clone() State {
	ints := make(map[ssa.Value]IntFact, len(s.Ints))
	for k, v := range s.Ints {
		ints[k] = v
	}
	sexps := make(map[ssa.Value]SEXPFact, len(s.SEXPs))
	for k, v := range s.SEXPs {
		sexps[k] = v
	}
	return State{Ints: ints, SEXPs: sexps}
}

// Int returns the known fact about v, defaulting to IntTop.
func (s State) Int(v ssa.Value) IntFact {
	if f, ok := s.Ints[v]; ok {
		return f
	}
	return IntTop
}

// SEXP returns the known fact about v, defaulting to Top.
func (s State) SEXP(v ssa.Value) SEXPFact {
	if f, ok := s.SEXPs[v]; ok {
		return f
	}
	return Top
}

// SetInt records an integer fact, overwriting any prior fact for v.
func (s State) SetInt(v ssa.Value, f IntFact) {
	if f == IntTop {
		delete(s.Ints, v)
		return
	}
	s.Ints[v] = f
}

// SetSEXP records a SEXP fact, overwriting any prior fact for v.
func (s State) SetSEXP(v ssa.Value, f SEXPFact) {
	if f.Kind == SEXPTop {
		delete(s.SEXPs, v)
		return
	}
	s.SEXPs[v] = f
}

// TransferStore updates guard facts across a store instruction: storing a
// tracked value propagates its known fact to the address' pointee, and
// storing anything else invalidates whatever fact was known for it.
func (s State) TransferStore(store *ssa.Store) {
	s.SetSEXP(store.Addr, s.SEXP(store.Val))
	s.SetInt(store.Addr, s.Int(store.Val))
}

// Prune returns the guard facts that hold on the true and false successors
// of an `if cond` terminator, when cond is a comparison this package
// understands (x == nil, x != nil, n == 0, n != 0). Unrecognized
// conditions return s unchanged on both branches -- no pruning, not an
// error; the branch-folding this enables is an optimization, not a
// soundness requirement.
func Prune(s State, cond ssa.Value) (trueState, falseState State) {
	trueState, falseState = s.Clone(), s.Clone()
	cmp, ok := cond.(*ssa.BinOp)
	if !ok {
		return trueState, falseState
	}

	switch cmp.Op {
	case token.EQL, token.NEQ:
		x, y := cmp.X, cmp.Y
		if isNilConst(y) {
			applyNilComparison(trueState, falseState, x, cmp.Op)
		} else if isNilConst(x) {
			applyNilComparison(trueState, falseState, y, cmp.Op)
		} else if isZeroConst(y) {
			applyZeroComparison(trueState, falseState, x, cmp.Op)
		} else if isZeroConst(x) {
			applyZeroComparison(trueState, falseState, y, cmp.Op)
		}
	}
	return trueState, falseState
}

func applyNilComparison(trueState, falseState State, v ssa.Value, op token.Token) {
	if op == token.EQL {
		trueState.SetSEXP(v, SEXPFact{Kind: SEXPNull})
		falseState.SetSEXP(v, SEXPFact{Kind: SEXPNonNull})
	} else {
		trueState.SetSEXP(v, SEXPFact{Kind: SEXPNonNull})
		falseState.SetSEXP(v, SEXPFact{Kind: SEXPNull})
	}
}

func applyZeroComparison(trueState, falseState State, v ssa.Value, op token.Token) {
	if op == token.EQL {
		trueState.SetInt(v, IntZero)
		falseState.SetInt(v, IntNonZero)
	} else {
		trueState.SetInt(v, IntNonZero)
		falseState.SetInt(v, IntZero)
	}
}

// Pack serializes s into a deterministic string usable as (part of) a
// comparable worklist key. Guard fact maps are not themselves comparable,
// so the balance and allocator engines each pack their guard state once
// per state-push rather than writing their own hashing; the same call site
// and variable always produce the same fact string, so two states with
// identical facts pack identically regardless of map iteration order.
func Pack(s State) string {
	var ints []string
	for v, f := range s.Ints {
		ints = append(ints, packPtr(v)+":"+packIntFact(f))
	}
	sort.Strings(ints)
	var sexps []string
	for v, f := range s.SEXPs {
		sexps = append(sexps, packPtr(v)+":"+packSEXPFact(f))
	}
	sort.Strings(sexps)
	var sb strings.Builder
	sb.WriteString(strings.Join(ints, ","))
	sb.WriteByte('|')
	sb.WriteString(strings.Join(sexps, ","))
	return sb.String()
}

func packPtr(v ssa.Value) string {
	return v.Name()
}

func packIntFact(f IntFact) string {
	switch f {
	case IntZero:
		return "z"
	case IntNonZero:
		return "n"
	default:
		return "t"
	}
}

func packSEXPFact(f SEXPFact) string {
	switch f.Kind {
	case SEXPNull:
		return "null"
	case SEXPNonNull:
		return "nonnull"
	case SEXPSymbol:
		return "sym:" + f.Symbol
	default:
		return "top"
	}
}

func isNilConst(v ssa.Value) bool {
	c, ok := v.(*ssa.Const)
	return ok && c.IsNil()
}

func isZeroConst(v ssa.Value) bool {
	c, ok := v.(*ssa.Const)
	return ok && c.Value != nil && c.Value.Kind() == constant.Int && c.Int64() == 0
}
