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

// Package allocator discovers, for one function, which allocating signatures
// it calls and which possible-allocator signatures it may be returning (wrapping),
// tracking the provenance of local variables that might flow into a
// return statement. Ported from original_source/src/callocators.cpp's
// getCalledAndWrappedFunctions; analysis/closure folds the per-function
// results this package returns into the whole-program transitive closure.
package allocator

import (
	"go/constant"
	"go/token"
	"sort"
	"strings"

	"golang.org/x/tools/go/ssa"

	"github.com/rchk-go/rchk/analysis/config"
	"github.com/rchk-go/rchk/analysis/guards"
	"github.com/rchk-go/rchk/analysis/signatures"
	"github.com/rchk-go/rchk/analysis/symbols"
	"github.com/rchk-go/rchk/analysis/worklist"
)

// Classifier is the coarse, CHA-based allocating/possible-allocator
// classification built once per program by analysis/closure.CoarseAllocators
// and shared across every per-function Run call -- the "is this call even
// worth tracking" gate that keeps the path-sensitive sweep below from ever
// running over a function with no route to the GC signature.
type Classifier struct {
	Allocating map[*ssa.Function]bool
	Allocators map[*ssa.Function]bool
}

// IsAllocating reports whether f may, directly or transitively, call the
// configured GC signature.
func (c *Classifier) IsAllocating(f *ssa.Function) bool {
	return f != nil && c.Allocating[f]
}

// IsPossibleAllocator reports whether f may, directly or transitively,
// return a value derived from the GC signature's result.
func (c *Classifier) IsPossibleAllocator(f *ssa.Function) bool {
	return f != nil && c.Allocators[f]
}

type allocState struct {
	Guards  guards.State
	Origins map[*ssa.Alloc]*signatures.OrderedSet
}

func newState() allocState {
	return allocState{Guards: guards.New(), Origins: map[*ssa.Alloc]*signatures.OrderedSet{}}
}

func (s allocState) clone() allocState {
	return allocState{Guards: s.Guards.Clone(), Origins: cloneOrigins(s.Origins)}
}

func cloneOrigins(o map[*ssa.Alloc]*signatures.OrderedSet) map[*ssa.Alloc]*signatures.OrderedSet {
	c := make(map[*ssa.Alloc]*signatures.OrderedSet, len(o))
	for k, v := range o {
		c[k] = v.Clone()
	}
	return c
}

type stateKey struct {
	block      int
	guardKey   string
	originsKey string
}

type workItem struct {
	block *ssa.BasicBlock
	state allocState
}

type engine struct {
	f            *ssa.Function
	globals      *symbols.Globals
	cfg          *config.Config
	classifier   *Classifier
	interner     *signatures.Interner
	errorBlocks  map[*ssa.BasicBlock]bool
	trackOrigins bool
	returnVars   map[*ssa.Alloc]bool
	called       *signatures.OrderedSet
	wrapped      *signatures.OrderedSet
	wl           *worklist.Worklist[stateKey, workItem]
}

// Run analyzes f for the allocating signatures it calls and the
// possible-allocator signatures whose result it may be returning, either directly or through a
// tracked local variable. Guard facts give it the same path-sensitivity
// the balance engine has; the worklist is bounded by cfg.MaxStates, and
// when exceeded Run falls back to one flow-insensitive sweep of every
// non-error-path instruction, matching callocators.cpp's MAX_STATES
// degradation path.
func Run(f *ssa.Function, globals *symbols.Globals, cfg *config.Config, classifier *Classifier, interner *signatures.Interner) (called, wrapped *signatures.OrderedSet) {
	called = signatures.NewOrderedSet()
	wrapped = signatures.NewOrderedSet()
	if f == nil || len(f.Blocks) == 0 {
		return called, wrapped
	}

	e := &engine{
		f:            f,
		globals:      globals,
		cfg:          cfg,
		classifier:   classifier,
		interner:     interner,
		errorBlocks:  globals.ErrorBasicBlocks(f),
		trackOrigins: tracksOrigins(f),
		returnVars:   possiblyReturnedVariables(f),
		called:       called,
		wrapped:      wrapped,
		wl:           worklist.New[stateKey, workItem](),
	}
	e.push(f.Blocks[0], newState())

	for {
		item, ok := e.wl.Pop()
		if !ok {
			break
		}
		if e.errorBlocks[item.block] {
			continue
		}
		if e.wl.Seen() > cfg.MaxStates {
			e.flowInsensitiveFallback()
			return called, wrapped
		}
		e.step(item.block, item.state)
	}

	if e.trackOrigins && globals.GC != nil && classifier != nil {
		gcSig := interner.Intern(globals.GC, nil)
		if called.Has(gcSig) {
			// the GC signature is an exception: even though it does not
			// itself return a tracked pointer, any function that calls it
			// and returns a tracked pointer is treated as wrapping it.
			wrapped.Add(gcSig)
		}
	}
	return called, wrapped
}

// flowInsensitiveFallback abandons path-sensitive tracking and scans every
// instruction once, attributing a call to called/wrapped purely by whether
// the callee is, coarsely, allocating/a possible allocator (and only when
// this function itself is coarsely allocating/a possible allocator) -- a strict
// best-effort degradation that can both under- and over-approximate the
// precise result, exactly as callocators.cpp documents for its MAX_STATES
// overflow path.
func (e *engine) flowInsensitiveFallback() {
	originAllocating := e.classifier != nil && e.classifier.IsAllocating(e.f)
	originAllocator := e.classifier != nil && e.classifier.IsPossibleAllocator(e.f)
	if !originAllocating && !originAllocator {
		return
	}
	for _, b := range e.f.Blocks {
		if e.errorBlocks[b] {
			continue
		}
		for _, instr := range b.Instrs {
			call, ok := instr.(*ssa.Call)
			if !ok {
				continue
			}
			target := call.Call.StaticCallee()
			if target == nil {
				continue
			}
			if originAllocating && e.classifier.IsAllocating(target) {
				e.called.Add(e.interner.Intern(target, nil))
			}
			if originAllocator && e.classifier.IsPossibleAllocator(target) {
				e.wrapped.Add(e.interner.Intern(target, nil))
			}
		}
	}
}

func (e *engine) push(block *ssa.BasicBlock, s allocState) {
	e.wl.Push(e.key(block, s), workItem{block: block, state: s})
}

func (e *engine) pushWithGuards(block *ssa.BasicBlock, origins map[*ssa.Alloc]*signatures.OrderedSet, g guards.State) {
	e.push(block, allocState{Guards: g, Origins: cloneOrigins(origins)})
}

func (e *engine) key(block *ssa.BasicBlock, s allocState) stateKey {
	return stateKey{
		block:      block.Index,
		guardKey:   guards.Pack(s.Guards),
		originsKey: packOrigins(s.Origins),
	}
}

func packOrigins(o map[*ssa.Alloc]*signatures.OrderedSet) string {
	var entries []string
	for v, set := range o {
		for _, m := range set.Members() {
			entries = append(entries, v.Name()+"="+m.Func.String())
		}
	}
	sort.Strings(entries)
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e)
		sb.WriteByte(';')
	}
	return sb.String()
}

func (e *engine) step(block *ssa.BasicBlock, s allocState) {
	instrs := block.Instrs
	if len(instrs) == 0 {
		return
	}
	for _, instr := range instrs[:len(instrs)-1] {
		e.transfer(&s, instr)
	}
	e.terminator(&s, instrs[len(instrs)-1], block)
}

func (e *engine) transfer(s *allocState, instr ssa.Instruction) {
	switch in := instr.(type) {
	case *ssa.Store:
		s.Guards.TransferStore(in)
		e.handleStore(s, in)
	case *ssa.Call:
		e.handleCall(s, in)
	}
}

// handleStore records two independent things: a symbol guard fact when the
// stored value is the result of interning a constant string (so later call
// sites passing a load of this slot get a context-sensitive Signature), and
// -- only for functions whose result type is tracked -- the provenance of
// a possibly-returned local being overwritten by an allocator's result or by
// another tracked local's known origins.
func (e *engine) handleStore(s *allocState, store *ssa.Store) {
	if name, ok := constantSymbolName(store.Val, e.globals); ok {
		s.Guards.SetSEXP(store.Addr, guards.SEXPFact{Kind: guards.SEXPSymbol, Symbol: name})
	}

	if !e.trackOrigins {
		return
	}
	dst, ok := store.Addr.(*ssa.Alloc)
	if !ok || !e.returnVars[dst] {
		return
	}
	delete(s.Origins, dst)

	if load, ok := store.Val.(*ssa.UnOp); ok && load.Op == token.MUL {
		if src, ok := load.X.(*ssa.Alloc); ok {
			if origins, ok := s.Origins[src]; ok {
				s.Origins[dst] = origins.Clone()
			}
			return
		}
	}

	if call, ok := store.Val.(*ssa.Call); ok {
		if callee := call.Call.StaticCallee(); callee != nil && e.classifier.IsPossibleAllocator(callee) {
			set := signatures.NewOrderedSet()
			set.Add(e.sigFor(s, callee, &call.Call))
			s.Origins[dst] = set
		}
	}
}

func (e *engine) handleCall(s *allocState, call *ssa.Call) {
	callee := call.Call.StaticCallee()
	if callee == nil || !e.classifier.IsAllocating(callee) {
		return
	}
	e.called.Add(e.sigFor(s, callee, &call.Call))
}

func (e *engine) terminator(s *allocState, term ssa.Instruction, block *ssa.BasicBlock) {
	if ret, ok := term.(*ssa.Return); ok {
		e.handleReturn(s, ret)
		return
	}

	if ifInstr, ok := term.(*ssa.If); ok {
		trueGuards, falseGuards := guards.Prune(s.Guards, ifInstr.Cond)
		e.pushWithGuards(block.Succs[0], s.Origins, trueGuards)
		e.pushWithGuards(block.Succs[1], s.Origins, falseGuards)
		return
	}

	for _, succ := range block.Succs {
		e.push(succ, s.clone())
	}
}

func (e *engine) handleReturn(s *allocState, ret *ssa.Return) {
	if !e.trackOrigins {
		return
	}
	for _, res := range ret.Results {
		if load, ok := res.(*ssa.UnOp); ok && load.Op == token.MUL {
			if src, ok := load.X.(*ssa.Alloc); ok {
				if origins, ok := s.Origins[src]; ok {
					e.wrapped.Union(origins)
				}
				continue
			}
		}
		if call, ok := res.(*ssa.Call); ok {
			if callee := call.Call.StaticCallee(); callee != nil && e.classifier.IsPossibleAllocator(callee) {
				e.wrapped.Add(e.sigFor(s, callee, &call.Call))
			}
		}
	}
}

// sigFor interns a context-sensitive Signature for a call to callee,
// recording which arguments are known, interned symbol constants: either a
// direct install("X")-style call, or a load of a local the guard state
// already knows is that exact symbol.
func (e *engine) sigFor(s *allocState, callee *ssa.Function, call *ssa.CallCommon) *signatures.Signature {
	args := make([]signatures.ArgInfo, len(call.Args))
	for i, a := range call.Args {
		args[i] = e.argInfo(s, a)
	}
	return e.interner.Intern(callee, args)
}

func (e *engine) argInfo(s *allocState, v ssa.Value) signatures.ArgInfo {
	if name, ok := constantSymbolName(v, e.globals); ok {
		return signatures.ArgInfo{Kind: signatures.Symbol, Name: name}
	}
	if load, ok := v.(*ssa.UnOp); ok && load.Op == token.MUL {
		if fact := s.Guards.SEXP(load.X); fact.Kind == guards.SEXPSymbol {
			return signatures.ArgInfo{Kind: signatures.Symbol, Name: fact.Symbol}
		}
	}
	return signatures.ArgInfo{Kind: signatures.Unknown}
}

// constantSymbolName recognizes the install("X")-style pattern: a direct
// call to the configured intern function with a constant string argument.
func constantSymbolName(v ssa.Value, globals *symbols.Globals) (string, bool) {
	call, ok := v.(*ssa.Call)
	if !ok || globals.Intern == nil {
		return "", false
	}
	if call.Call.StaticCallee() != globals.Intern || len(call.Call.Args) == 0 {
		return "", false
	}
	c, ok := call.Call.Args[0].(*ssa.Const)
	if !ok || c.Value == nil || c.Value.Kind() != constant.String {
		return "", false
	}
	return constant.StringVal(c.Value), true
}

// tracksOrigins reports whether f's return type is the tracked pointer
// type, i.e. whether it is worth tracking which allocator a local variable
// that might be returned was assigned from.
func tracksOrigins(f *ssa.Function) bool {
	results := f.Signature.Results()
	return results.Len() > 0 && symbols.SEXPType(results.At(0).Type())
}

// possiblyReturnedVariables collects every local variable directly loaded
// in a return statement anywhere in f -- the set of slots worth tracking
// provenance for at all, matching callocators.cpp's
// findPossiblyReturnedVariables restriction that keeps origin tracking from
// paying for every local in the function.
func possiblyReturnedVariables(f *ssa.Function) map[*ssa.Alloc]bool {
	out := map[*ssa.Alloc]bool{}
	for _, b := range f.Blocks {
		if len(b.Instrs) == 0 {
			continue
		}
		ret, ok := b.Instrs[len(b.Instrs)-1].(*ssa.Return)
		if !ok {
			continue
		}
		for _, res := range ret.Results {
			if load, ok := res.(*ssa.UnOp); ok && load.Op == token.MUL {
				if alloc, ok := load.X.(*ssa.Alloc); ok {
					out[alloc] = true
				}
			}
		}
	}
	return out
}
