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

// Package closure computes whole-program allocator classification. It has
// two independent jobs: a coarse, CHA-based "may this function reach the
// configured GC signature at all" reachability pre-pass that gates the
// allocator engine's expensive per-function analysis (CoarseAllocators),
// and the fixed-point transitive closure over the per-function call/wrap
// relations the allocator engine discovers, folding them into the final
// whole-program possible-allocator and allocating-function sets --
// ported from original_source/src/callocators.cpp's buildClosure and
// computeCalledAllocators.
package closure

import (
	"golang.org/x/tools/go/callgraph"
	"golang.org/x/tools/go/ssa"

	"github.com/rchk-go/rchk/analysis/signatures"
	"github.com/rchk-go/rchk/analysis/symbols"
	"github.com/rchk-go/rchk/internal/graphutil"
)

// CoarseAllocators classifies every function in cg by CHA-reachability to
// the configured GC signature, before any path-sensitive analysis runs.
// allocating is every function that may (context-insensitively) reach GC,
// including GC itself. possibleAllocators is the same set with configured
// NonAllocators removed and configured InitialAllocators added back in --
// matching findPossibleAllocators/findAllocatingFunctions's CHA-only, fast
// first pass in callocators.cpp, which the (expensive) path-sensitive
// per-function sweep then refines.
func CoarseAllocators(cg *callgraph.Graph, globals *symbols.Globals) (allocating, possibleAllocators map[*ssa.Function]bool) {
	allocating = map[*ssa.Function]bool{}
	possibleAllocators = map[*ssa.Function]bool{}
	if globals.GC == nil {
		return allocating, possibleAllocators
	}

	g := graphutil.NewCallgraphIterator(cg)
	gcID, ok := nodeIDFor(g, globals.GC)
	if !ok {
		return allocating, possibleAllocators
	}

	// reverse reachability: ancestors of GC in the forward call graph are
	// exactly the functions that may call GC, directly or transitively.
	rev := reverseEdges(g)
	for id := range bfs(rev, gcID) {
		if n, ok := g.IDMap[id]; ok && n.Node.Func != nil {
			allocating[n.Node.Func] = true
		}
	}
	allocating[globals.GC] = true

	for f := range allocating {
		if !globals.NonAllocators[f] {
			possibleAllocators[f] = true
		}
	}
	for f := range globals.InitialAllocators {
		possibleAllocators[f] = true
	}
	possibleAllocators[globals.GC] = true

	return allocating, possibleAllocators
}

func nodeIDFor(g graphutil.CGraph, f *ssa.Function) (int64, bool) {
	for id, n := range g.IDMap {
		if n.Node.Func == f {
			return id, true
		}
	}
	return 0, false
}

func reverseEdges(g graphutil.CGraph) map[int64]map[int64]bool {
	rev := make(map[int64]map[int64]bool, len(g.Edges))
	for from, tos := range g.Edges {
		for to := range tos {
			if rev[to] == nil {
				rev[to] = map[int64]bool{}
			}
			rev[to][from] = true
		}
	}
	return rev
}

func bfs(edges map[int64]map[int64]bool, from int64) map[int64]bool {
	seen := map[int64]bool{from: true}
	frontier := []int64{from}
	for len(frontier) > 0 {
		cur := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for next := range edges[cur] {
			if !seen[next] {
				seen[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	return seen
}

// RecursiveAllocatorGroups reports every group of two or more functions in
// the allocating set that call each other in a cycle -- diagnostic-only
// information surfaced by cmd/rchk to flag allocator wrappers whose
// mutual recursion makes the balance/allocator abstraction especially
// approximate. Built over graphutil's existing gonum adapter and Johnson's
// elementary-cycles algorithm (backed by yourbasic/graph.StrongComponents),
// so this is the one place the whole-program analysis needs a cycle-finder
// rather than a plain reachability sweep.
func RecursiveAllocatorGroups(cg *callgraph.Graph, allocating map[*ssa.Function]bool) [][]*ssa.Function {
	g := graphutil.NewCallgraphIterator(cg)

	var include []int64
	for id, n := range g.IDMap {
		if n.Node.Func != nil && allocating[n.Node.Func] {
			include = append(include, id)
		}
	}
	sub := graphutil.Subgraph(g, include)

	cycles := graphutil.FindAllElementaryCycles(sub)
	groups := make([][]*ssa.Function, 0, len(cycles))
	for _, cycle := range cycles {
		seen := map[*ssa.Function]bool{}
		var group []*ssa.Function
		for _, id := range cycle {
			if n, ok := g.IDMap[id]; ok && n.Node.Func != nil && !seen[n.Node.Func] {
				seen[n.Node.Func] = true
				group = append(group, n.Node.Func)
			}
		}
		if len(group) > 1 {
			groups = append(groups, group)
		}
	}
	return groups
}

// boolMatrix is an n x n adjacency matrix over signature indices, used by
// buildClosure to compute a fixed-point transitive closure. Its size is
// fixed when it is created (ComputeCalledAllocators uses interner.Len());
// get reports false for an index outside it and set never grows it.
type boolMatrix struct {
	rows [][]bool
}

func newBoolMatrix(n int) *boolMatrix {
	m := &boolMatrix{rows: make([][]bool, n)}
	for i := range m.rows {
		m.rows[i] = make([]bool, n)
	}
	return m
}

func (m *boolMatrix) set(i, j int) { m.rows[i][j] = true }
func (m *boolMatrix) get(i, j int) bool {
	if i >= len(m.rows) || j >= len(m.rows[i]) {
		return false
	}
	return m.rows[i][j]
}

// buildClosure computes the fixed-point transitive closure of a relation
// given as an adjacency list (list[i] is every j with an edge i->j),
// mutating mat and list in place so that eventually mat[i][j] holds
// whenever j is reachable from i. Ported directly from
// original_source/src/callocators.cpp's buildClosure: a worklist-free
// fixed-point sweep is simplest to keep correct as list grows mid-loop,
// which is exactly what happens here as newly discovered transitive edges
// are appended to the very list being iterated.
func buildClosure(mat *boolMatrix, list [][]int, n int) {
	added := true
	for added {
		added = false
		for i := 0; i < n; i++ {
			for jidx := 0; jidx < len(list[i]); jidx++ {
				j := list[i][jidx]
				if i == j {
					continue
				}
				for _, k := range list[j] {
					if j == k {
						continue
					}
					if !mat.get(i, k) {
						mat.set(i, k)
						list[i] = append(list[i], k)
						added = true
					}
				}
			}
		}
	}
}

// PerFunctionResult is one function's direct (non-transitive) call/wrap
// findings, as discovered by analysis/allocator.Run.
type PerFunctionResult struct {
	Sig     *signatures.Signature
	Called  *signatures.OrderedSet
	Wrapped *signatures.OrderedSet
}

// ComputeCalledAllocators folds every function's direct call/wrap findings
// into the whole-program transitive closure and reports which signatures
// are possible allocators (may, directly or transitively, return a value
// wrapping the GC signature) and which are allocating (may, directly or
// transitively, call it) -- ported from
// original_source/src/callocators.cpp's computeCalledAllocators.
func ComputeCalledAllocators(results []PerFunctionResult, interner *signatures.Interner, gc *signatures.Signature) (allocating, possibleAllocators *signatures.OrderedSet) {
	n := interner.Len()
	callsMat := newBoolMatrix(n)
	wrapsMat := newBoolMatrix(n)
	callsList := make([][]int, n)
	wrapsList := make([][]int, n)

	for _, r := range results {
		i := r.Sig.Idx
		for _, c := range r.Called.Members() {
			callsMat.set(i, c.Idx)
			callsList[i] = append(callsList[i], c.Idx)
		}
		for _, w := range r.Wrapped.Members() {
			wrapsMat.set(i, w.Idx)
			wrapsList[i] = append(wrapsList[i], w.Idx)
		}
	}

	buildClosure(callsMat, callsList, n)
	buildClosure(wrapsMat, wrapsList, n)

	allocating = signatures.NewOrderedSet()
	possibleAllocators = signatures.NewOrderedSet()
	if gc == nil {
		return allocating, possibleAllocators
	}
	all := interner.All()
	for i := 0; i < n && i < len(all); i++ {
		sig := all[i]
		if callsMat.get(i, gc.Idx) {
			allocating.Add(sig)
		}
		if wrapsMat.get(i, gc.Idx) {
			possibleAllocators.Add(sig)
		}
	}
	allocating.Add(gc)
	possibleAllocators.Add(gc)
	return allocating, possibleAllocators
}
