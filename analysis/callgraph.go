// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.

package analysis

import (
	"golang.org/x/tools/go/callgraph"
	"golang.org/x/tools/go/callgraph/cha"
	"golang.org/x/tools/go/ssa"
)

// ComputeCallgraph builds a Class Hierarchy Analysis call graph of prog.
//
// CHA is a coarse, fast, over-approximating call graph construction (see
// "Optimization of Object-Oriented Programs Using Static Class Hierarchy
// Analysis", J. Dean, D. Grove, and C. Chambers, ECOOP'95). It is precise
// enough for the allocator engine's coarse "may reach the GC signature"
// pre-pass (analysis/closure.CoarseAllocators), which only needs reachability,
// not a precise points-to-aware call graph.
func ComputeCallgraph(prog *ssa.Program) *callgraph.Graph {
	return cha.CallGraph(prog)
}
