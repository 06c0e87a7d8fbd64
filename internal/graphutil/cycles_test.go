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

package graphutil_test

import (
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/yourbasic/graph"

	"github.com/rchk-go/rchk/analysis"
	"github.com/rchk-go/rchk/internal/funcutil"
	"github.com/rchk-go/rchk/internal/graphutil"
	"github.com/rchk-go/rchk/internal/rchktest"
)

const recursiveGroupsSrc = `
package main

func f1() { f2(); f4(); f3() }
func f2() { f1() }
func f3() { f2() }
func f4() { f5() }
func f5() { f1() }

func g()  { g1(); g2(); g3() }
func g1() { f1() }
func g2() { g() }
func g3() { g2() }

func main() { f1(); g() }
`

// TestFindAllElementaryCycles builds a CHA call graph (no pointer analysis:
// the closure builder only ever needs a coarse, aliasing-free call graph)
// over two intertwined recursive groups, checks that at least one
// elementary cycle is found, and logs the cycles for inspection.
func TestFindAllElementaryCycles(t *testing.T) {
	prog, _ := rchktest.LoadFromSource(t, "recursive", recursiveGroupsSrc)
	cg := analysis.ComputeCallgraph(prog)

	iterator := graphutil.NewCallgraphIterator(cg)
	stats := graph.Check(iterator)
	t.Logf("Stats:\n\tsize: %d\n\tmulti: %d\n\tloops: %d\n\tisolated: %d",
		stats.Size, stats.Multi, stats.Loops, stats.Isolated)

	cycles := graphutil.FindAllElementaryCycles(iterator)
	if len(cycles) == 0 {
		t.Fatalf("expected at least one elementary cycle in a program with two recursive groups, found none")
	}

	results := make([]string, len(cycles))
	for i, cycle := range cycles {
		results[i] = strings.Join(
			funcutil.Map(cycle, func(x int64) string { return strconv.FormatInt(x, 10) }),
			",")
	}
	sort.Strings(results)
	t.Logf("found %d elementary cycles: %v", len(results), results)
}
