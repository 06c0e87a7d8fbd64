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

// Package balance is the per-function protection-stack balance checker:
// a path-sensitive abstract interpreter over a function's SSA that tracks
// the protection stack depth along every path and reports imbalances,
// negative depths, and misuse of counter variables and stack-top save
// slots. Ported from original_source/src/balance.cpp's handleCall,
// handleLoad, handleStore and handleBalanceForTerminator.
package balance

import (
	"go/constant"
	"go/token"

	"golang.org/x/tools/go/ssa"

	"github.com/rchk-go/rchk/analysis/config"
	"github.com/rchk-go/rchk/analysis/diagnostics"
	"github.com/rchk-go/rchk/analysis/guards"
	"github.com/rchk-go/rchk/analysis/recognizers"
	"github.com/rchk-go/rchk/analysis/symbols"
	"github.com/rchk-go/rchk/analysis/worklist"
)

// CountState is the protection-counter regime a path is in.
type CountState int

const (
	// CSNone: no active counter variable has a defined value.
	CSNone CountState = iota
	// CSExact: Count holds the exact counter value.
	CSExact
	// CSDiff: the counter has been folded into Depth as a negative offset;
	// its live value is unknown but Depth already accounts for it.
	CSDiff
)

type balanceState struct {
	Depth      int
	SavedDepth int // -1 means unset
	Count      int64
	CountState CountState
	CounterVar *ssa.Alloc
	Guards     guards.State
}

func newState() balanceState {
	return balanceState{SavedDepth: -1, Count: -1, Guards: guards.New()}
}

func (s balanceState) clone() balanceState {
	return balanceState{
		Depth:      s.Depth,
		SavedDepth: s.SavedDepth,
		Count:      s.Count,
		CountState: s.CountState,
		CounterVar: s.CounterVar,
		Guards:     s.Guards.Clone(),
	}
}

type stateKey struct {
	block      int
	depth      int
	savedDepth int
	count      int64
	countState CountState
	counterVar *ssa.Alloc
	guardKey   string
}

type workItem struct {
	block *ssa.BasicBlock
	state balanceState
}

type engine struct {
	f       *ssa.Function
	globals *symbols.Globals
	cfg     *config.Config
	sink    diagnostics.Sink
	recog   *recognizers.Memo
	wl      *worklist.Worklist[stateKey, workItem]

	// onImbalance, when set, is called for every Return reached with an
	// exactly-known unreleased depth -- cmd/rchk/suggest's -fix mode uses
	// this to learn the UNPROTECT(n) argument to insert, something the
	// diagnostic message alone doesn't carry.
	onImbalance func(ret *ssa.Return, depth int)
}

// Run analyzes f and reports every protection-balance diagnostic it finds
// to sink. It is a no-op for functions with no body (declarations) or when
// the configured unprotect symbol could not be resolved.
func Run(f *ssa.Function, globals *symbols.Globals, cfg *config.Config, sink diagnostics.Sink) {
	newEngine(f, globals, cfg, sink, nil).run()
}

// SuggestFixes runs the same analysis as Run, but instead of (or besides)
// reporting to sink, it collects the UNPROTECT(n) argument that would
// balance each Return reached with an exactly-known unreleased depth. Only
// the CSExact regime yields a usable suggestion; a Return reached with the
// counter in CSDiff is reported as an imbalance but has no single n that
// would fix it, so it is omitted here.
func SuggestFixes(f *ssa.Function, globals *symbols.Globals, cfg *config.Config, sink diagnostics.Sink) map[*ssa.Return]int {
	fixes := map[*ssa.Return]int{}
	e := newEngine(f, globals, cfg, sink, func(ret *ssa.Return, depth int) {
		fixes[ret] = depth
	})
	e.run()
	return fixes
}

func newEngine(f *ssa.Function, globals *symbols.Globals, cfg *config.Config, sink diagnostics.Sink, onImbalance func(*ssa.Return, int)) *engine {
	return &engine{
		f:           f,
		globals:     globals,
		cfg:         cfg,
		sink:        sink,
		recog:       recognizers.NewMemo(globals),
		wl:          worklist.New[stateKey, workItem](),
		onImbalance: onImbalance,
	}
}

func (e *engine) run() {
	if e.f == nil || len(e.f.Blocks) == 0 || e.globals.Unprotect == nil {
		return
	}
	e.push(e.f.Blocks[0], newState())
	for {
		item, ok := e.wl.Pop()
		if !ok {
			break
		}
		e.step(item.block, item.state)
	}
}

func (e *engine) push(block *ssa.BasicBlock, s balanceState) {
	e.wl.Push(e.key(block, s), workItem{block: block, state: s})
}

func (e *engine) key(block *ssa.BasicBlock, s balanceState) stateKey {
	return stateKey{
		block:      block.Index,
		depth:      s.Depth,
		savedDepth: s.SavedDepth,
		count:      s.Count,
		countState: s.CountState,
		counterVar: s.CounterVar,
		guardKey:   guards.Pack(s.Guards),
	}
}

func (e *engine) step(block *ssa.BasicBlock, s balanceState) {
	instrs := block.Instrs
	if len(instrs) == 0 {
		return
	}
	for _, instr := range instrs[:len(instrs)-1] {
		e.transfer(&s, instr)
	}
	e.terminator(&s, instrs[len(instrs)-1], block)
}

func (e *engine) transfer(s *balanceState, instr ssa.Instruction) {
	switch in := instr.(type) {
	case *ssa.Call:
		e.handleCall(s, in)
	case *ssa.UnOp:
		if in.Op == token.MUL {
			e.handleLoad(s, in)
		}
	case *ssa.Store:
		s.Guards.TransferStore(in)
		e.handleStore(s, in)
	}
}

func (e *engine) report(level diagnostics.Level, tag string, instr ssa.Instruction, msg string) {
	pos := e.f.Prog.Fset.Position(instr.Pos())
	e.sink.Report(diagnostics.Diagnostic{
		Level:    level,
		Function: e.f.String(),
		Tag:      tag,
		Pos:      pos,
		Message:  msg,
	})
}

// --- Call transfer ---

func (e *engine) handleCall(s *balanceState, call *ssa.Call) {
	target := call.Call.StaticCallee()
	if target == nil {
		return
	}
	g := e.globals
	switch target {
	case g.Protect, g.ProtectWithIndex:
		s.Depth++
		e.report(diagnostics.Debug, "protect-call", call, "protect call")
	case g.Unprotect:
		e.handleUnprotect(s, call)
	case g.UnprotectPtr:
		s.Depth--
		e.report(diagnostics.Debug, "unprotect-ptr-call", call, "unprotect_ptr call")
		if s.CountState != CSDiff && s.Depth < 0 {
			e.report(diagnostics.Info, "negative-depth", call, "has negative depth")
		}
	}
}

func (e *engine) handleUnprotect(s *balanceState, call *ssa.Call) {
	if len(call.Call.Args) == 0 {
		return
	}
	arg := call.Call.Args[0]

	if c, ok := arg.(*ssa.Const); ok && isIntConst(c) {
		s.Depth -= int(c.Int64())
		e.report(diagnostics.Debug, "unprotect-const", call, "unprotect call using constant")
		if s.CountState != CSDiff && s.Depth < 0 {
			e.report(diagnostics.Info, "negative-depth", call, "has negative depth")
		}
		return
	}

	load, ok := arg.(*ssa.UnOp)
	if !ok || load.Op != token.MUL {
		return
	}
	slot, ok := load.X.(*ssa.Alloc)
	if !ok {
		return
	}
	if !e.recog.IsCounterVariable(slot) {
		e.report(diagnostics.Info, "unsupported-unprotect-var", call,
			"has an unsupported form of unprotect with a variable (results will be incorrect)")
		return
	}
	if s.CounterVar == nil {
		s.CounterVar = slot
	} else if s.CounterVar != slot {
		e.report(diagnostics.Info, "multiple-counters", call,
			"has an unsupported form of unprotect with a variable - multiple counter variables (results will be incorrect)")
		return
	}

	switch s.CountState {
	case CSNone:
		e.report(diagnostics.Info, "uninitialized-counter", call,
			"passes uninitialized counter of protects in a call to unprotect")
	case CSExact:
		s.Depth -= int(s.Count)
		e.report(diagnostics.Debug, "unprotect-counter-exact", call, "unprotect call using counter in exact state")
		if s.Depth < 0 {
			e.report(diagnostics.Info, "negative-depth", call, "has negative depth")
		}
	case CSDiff:
		e.report(diagnostics.Debug, "unprotect-counter-diff", call, "unprotect call using counter in diff state")
		s.CountState = CSNone
		if s.Depth < 0 {
			e.report(diagnostics.Info, "negative-depth", call, "has negative depth after UNPROTECT(<counter>)")
		}
	}
}

// --- Load transfer ---

func (e *engine) handleLoad(s *balanceState, load *ssa.UnOp) {
	g := e.globals
	if g.StackTop == nil || load.X != g.StackTop {
		return
	}
	refs := load.Referrers()
	if refs == nil || len(*refs) != 1 {
		return
	}
	store, ok := (*refs)[0].(*ssa.Store)
	if !ok || store.Val != load {
		return
	}
	slot, ok := store.Addr.(*ssa.Alloc)
	if !ok || !e.recog.IsStackTopSaveSlot(slot) {
		return
	}
	if s.CountState == CSDiff {
		e.report(diagnostics.Info, "save-during-diff", load,
			"saving value of PPStackTop while in differential count state (results will be incorrect)")
		return
	}
	s.SavedDepth = s.Depth
	e.report(diagnostics.Debug, "save-stacktop", load, "saving value of PPStackTop")
}

// --- Store transfer ---

func (e *engine) handleStore(s *balanceState, store *ssa.Store) {
	g := e.globals
	if g.StackTop != nil && store.Addr == g.StackTop {
		e.handleStackTopStore(s, store)
		return
	}
	if slot, ok := store.Addr.(*ssa.Alloc); ok && e.recog.IsCounterVariable(slot) {
		e.handleCounterStore(s, store, slot)
	}
}

func (e *engine) handleStackTopStore(s *balanceState, store *ssa.Store) {
	if load, ok := store.Val.(*ssa.UnOp); ok && load.Op == token.MUL {
		if slot, ok := load.X.(*ssa.Alloc); ok && e.recog.IsStackTopSaveSlot(slot) {
			if s.CountState == CSDiff {
				e.report(diagnostics.Info, "restore-during-diff", store,
					"restoring value of PPStackTop while in differential count state (results will be incorrect)")
				return
			}
			e.report(diagnostics.Debug, "restore-stacktop", store, "restoring value of PPStackTop")
			if s.SavedDepth < 0 {
				e.report(diagnostics.Info, "restore-uninitialized-save", store,
					"restores PPStackTop from uninitialized local variable")
			} else {
				s.Depth = s.SavedDepth
			}
			return
		}
	}
	e.report(diagnostics.Info, "direct-stacktop-store", store, "manipulates PPStackTop directly (results will be incorrect)")
}

func (e *engine) handleCounterStore(s *balanceState, store *ssa.Store, slot *ssa.Alloc) {
	if s.CounterVar == nil {
		s.CounterVar = slot
	} else if s.CounterVar != slot {
		e.report(diagnostics.Info, "multiple-counters", store, "uses multiple pointer protection counters (results will be incorrect)")
		return
	}

	if c, ok := store.Val.(*ssa.Const); ok && isIntConst(c) {
		if s.CountState == CSDiff {
			e.report(diagnostics.Info, "set-counter-during-diff", store, "setting counter value while in differential mode (forgetting protects)?")
			return
		}
		s.Count = c.Int64()
		s.CountState = CSExact
		e.report(diagnostics.Debug, "set-counter-const", store, "setting counter to a constant")
		if s.Count < 0 {
			e.report(diagnostics.Info, "negative-initial-counter", store, "protection counter set to a negative value")
		}
		return
	}

	bin, ok := store.Val.(*ssa.BinOp)
	if !ok || bin.Op != token.ADD {
		return
	}
	constOp, nonConst, ok := splitConstAdd(bin)
	if !ok {
		return
	}
	load, ok := nonConst.(*ssa.UnOp)
	if !ok || load.Op != token.MUL {
		return
	}
	if loadSlot, ok := load.X.(*ssa.Alloc); !ok || loadSlot != s.CounterVar {
		return
	}
	k := constOp.Int64()

	switch s.CountState {
	case CSNone:
		e.report(diagnostics.Info, "add-to-uninitialized-counter", store, "adds a constant to an uninitialized counter variable")
	case CSExact:
		e.report(diagnostics.Debug, "add-to-counter", store, "adding a constant to counter")
		s.Count += k
		if s.Count < 0 {
			e.report(diagnostics.Info, "negative-counter-after-add", store, "protection counter went negative after add")
		}
	case CSDiff:
		s.Depth -= int(k)
	}
}

func splitConstAdd(bin *ssa.BinOp) (constOp *ssa.Const, nonConst ssa.Value, ok bool) {
	if c, isConst := bin.X.(*ssa.Const); isConst && isIntConst(c) {
		return c, bin.Y, true
	}
	if c, isConst := bin.Y.(*ssa.Const); isConst && isIntConst(c) {
		return c, bin.X, true
	}
	return nil, nil, false
}

func isIntConst(c *ssa.Const) bool {
	return c.Value != nil && c.Value.Kind() == constant.Int
}

// --- Terminator transfer ---

func (e *engine) terminator(s *balanceState, term ssa.Instruction, block *ssa.BasicBlock) {
	if ret, ok := term.(*ssa.Return); ok {
		if s.CountState == CSDiff || s.Depth != 0 {
			e.report(diagnostics.Info, "imbalance", ret, "has possible protection stack imbalance")
		}
		if s.CountState != CSDiff && s.Depth > 0 && e.onImbalance != nil {
			e.onImbalance(ret, s.Depth)
		}
		return
	}

	if s.CountState == CSExact && e.cfg.ExceedsMaxCount(int(s.Count)) {
		s.CountState = CSDiff
		s.Depth -= int(s.Count)
		s.Count = -1
	}

	if e.cfg.ExceedsMaxDepth(s.Depth) {
		e.report(diagnostics.Info, "too-deep", term, "has too high protection stack depth")
		return
	}

	if s.CountState != CSDiff && s.Depth < 0 {
		// do not propagate an impossible path to successors
		return
	}

	ifInstr, ok := term.(*ssa.If)
	if !ok {
		for _, succ := range block.Succs {
			e.push(succ, s.clone())
		}
		return
	}

	if e.foldCounterBranch(s, ifInstr, block) {
		return
	}

	trueGuards, falseGuards := guards.Prune(s.Guards, ifInstr.Cond)
	trueState, falseState := s.clone(), s.clone()
	trueState.Guards, falseState.Guards = trueGuards, falseGuards
	e.push(block.Succs[0], trueState)
	e.push(block.Succs[1], falseState)
}

// foldCounterBranch recognizes a conditional branch comparing a counter
// variable's loaded value against a constant and, when the counter's
// exact value is known, enqueues only the taken successor; when the
// counter is in differential state it tries the narrower diff-unprotect
// idiom. Returns false when the branch was not specially folded, meaning
// the caller should fall back to generic successor enumeration.
func (e *engine) foldCounterBranch(s *balanceState, ifInstr *ssa.If, block *ssa.BasicBlock) bool {
	cmp, ok := ifInstr.Cond.(*ssa.BinOp)
	if !ok {
		return false
	}

	var load *ssa.UnOp
	var constOp *ssa.Const
	var constOnLeft bool
	if c, isConst := cmp.X.(*ssa.Const); isConst {
		l, isLoad := cmp.Y.(*ssa.UnOp)
		if !isLoad || l.Op != token.MUL {
			return false
		}
		constOp, load, constOnLeft = c, l, true
	} else if c, isConst := cmp.Y.(*ssa.Const); isConst {
		l, isLoad := cmp.X.(*ssa.UnOp)
		if !isLoad || l.Op != token.MUL {
			return false
		}
		constOp, load, constOnLeft = c, l, false
	} else {
		return false
	}

	slot, ok := load.X.(*ssa.Alloc)
	if !ok || !e.recog.IsCounterVariable(slot) {
		return false
	}
	if s.CounterVar != nil && s.CounterVar != slot {
		e.report(diagnostics.Info, "multiple-counters", ifInstr, "uses multiple pointer protection counters (results will be incorrect)")
		return false
	}
	s.CounterVar = slot

	switch s.CountState {
	case CSNone:
		e.report(diagnostics.Info, "branch-on-uninitialized-counter", ifInstr,
			"branches based on an uninitialized value of the protection counter variable")
		return false
	case CSExact:
		op := cmp.Op
		if constOnLeft {
			op = flipComparison(op)
		}
		e.report(diagnostics.Debug, "fold-counter-branch", ifInstr, "folding out branch on counter value")
		if evalCompare(op, s.Count, constOp) {
			e.push(block.Succs[0], s.clone())
		} else {
			e.push(block.Succs[1], s.clone())
		}
		return true
	case CSDiff:
		return e.foldDiffUnprotectIdiom(s, cmp, constOp, ifInstr, block)
	}
	return false
}

func flipComparison(op token.Token) token.Token {
	switch op {
	case token.LSS:
		return token.GTR
	case token.GTR:
		return token.LSS
	case token.LEQ:
		return token.GEQ
	case token.GEQ:
		return token.LEQ
	default:
		return op
	}
}

func evalCompare(op token.Token, count int64, constOp *ssa.Const) bool {
	if !isIntConst(constOp) {
		return false
	}
	c := constOp.Int64()
	switch op {
	case token.EQL:
		return count == c
	case token.NEQ:
		return count != c
	case token.LSS:
		return count < c
	case token.LEQ:
		return count <= c
	case token.GTR:
		return count > c
	case token.GEQ:
		return count >= c
	default:
		return false
	}
}

// foldDiffUnprotectIdiom recognizes the exact three-instruction shape
// "load counter_var; unprotect(that load); unconditional branch to join"
// as the only nonzero-taken successor of an equality-with-zero branch, and
// treats it as an already-executed UNPROTECT(counter_var) -- UNPROTECT(0)
// is a no-op, so folding the zero case in is sound. Any other shape is
// left to generic enumeration.
func (e *engine) foldDiffUnprotectIdiom(s *balanceState, cmp *ssa.BinOp, constOp *ssa.Const, ifInstr *ssa.If, block *ssa.BasicBlock) bool {
	if cmp.Op != token.EQL && cmp.Op != token.NEQ {
		return false
	}
	if !isIntConst(constOp) || constOp.Int64() != 0 {
		return false
	}

	var unprotectSucc, joinSucc *ssa.BasicBlock
	if cmp.Op == token.NEQ {
		unprotectSucc, joinSucc = block.Succs[0], block.Succs[1]
	} else {
		unprotectSucc, joinSucc = block.Succs[1], block.Succs[0]
	}

	instrs := unprotectSucc.Instrs
	if len(instrs) < 3 {
		return false
	}
	load, ok := instrs[0].(*ssa.UnOp)
	if !ok || load.Op != token.MUL || load.X != s.CounterVar {
		return false
	}
	call, ok := instrs[1].(*ssa.Call)
	if !ok || call.Call.StaticCallee() != e.globals.Unprotect {
		return false
	}
	if len(call.Call.Args) == 0 || call.Call.Args[0] != ssa.Value(load) {
		return false
	}
	if _, ok := instrs[2].(*ssa.Jump); !ok {
		return false
	}
	if len(unprotectSucc.Succs) != 1 || unprotectSucc.Succs[0] != joinSucc {
		return false
	}

	e.report(diagnostics.Debug, "fold-diff-unprotect", ifInstr, "simplifying unprotect conditional on counter value (diff state)")
	s.CountState = CSNone
	if s.Depth < 0 {
		e.report(diagnostics.Info, "negative-depth", ifInstr, "has negative depth after UNPROTECT(<counter>)")
		return false
	}
	e.push(joinSucc, s.clone())
	return true
}
