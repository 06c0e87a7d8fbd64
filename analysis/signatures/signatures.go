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

// Package signatures implements the interning layer (C7) the allocator
// engine and closure builder share: a "called function" is not just a
// *ssa.Function, it is the function paired with what is known about each
// of its arguments at this call site (an Unknown argument, or one proven
// to be a specific interned symbol). Two call sites with the same function
// and the same per-argument symbol knowledge are the same Signature,
// ported from original_source/src/callocators.cpp's CalledFunctionTy.
package signatures

import (
	"fmt"
	"strings"

	"golang.org/x/tools/go/ssa"
)

// ArgKind discriminates an ArgInfo.
type ArgKind int

const (
	// Unknown means nothing is known about the argument at this call site.
	Unknown ArgKind = iota
	// Symbol means the argument is a constant string interned via the
	// configured intern function (the analogue of R's Rf_install), and
	// its value is known.
	Symbol
)

// ArgInfo is what is known about one argument at one call site.
type ArgInfo struct {
	Kind ArgKind
	Name string // meaningful only when Kind == Symbol
}

func (a ArgInfo) String() string {
	if a.Kind == Symbol {
		return "sym:" + a.Name
	}
	return "?"
}

// Signature is a function plus the interned vector of ArgInfo for its
// arguments at one call site. Signatures are interned: two structurally
// equal Signatures are always the same *Signature pointer, so equality is
// pointer equality and Idx is a stable, dense index usable for bit-matrix
// and adjacency-list closure computation (C6).
type Signature struct {
	Func *ssa.Function
	Args []ArgInfo
	Idx  int

	key string
}

func makeKey(f *ssa.Function, args []ArgInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%p|", f)
	for _, a := range args {
		sb.WriteString(a.String())
		sb.WriteByte(',')
	}
	return sb.String()
}

// Interner hash-conses Signatures across one program run. The hash/key is
// computed once, at construction time, and cached on the Signature --
// matching C7's "computed once at packing time and cached" requirement.
type Interner struct {
	byKey map[string]*Signature
	all   []*Signature
}

// NewInterner returns an empty signature interner.
func NewInterner() *Interner {
	return &Interner{byKey: map[string]*Signature{}}
}

// Intern returns the canonical *Signature for (f, args), creating and
// indexing one if this is the first time this exact signature is seen.
func (in *Interner) Intern(f *ssa.Function, args []ArgInfo) *Signature {
	key := makeKey(f, args)
	if sig, ok := in.byKey[key]; ok {
		return sig
	}
	argsCopy := make([]ArgInfo, len(args))
	copy(argsCopy, args)
	sig := &Signature{Func: f, Args: argsCopy, Idx: len(in.all), key: key}
	in.byKey[key] = sig
	in.all = append(in.all, sig)
	return sig
}

// All returns every interned signature, indexed by Idx.
func (in *Interner) All() []*Signature {
	return in.all
}

// Len is the number of distinct signatures interned so far; also the
// bit-matrix dimension the closure builder needs.
func (in *Interner) Len() int {
	return len(in.all)
}

// OrderedSet is an insertion-ordered set of interned signatures, used for
// the "called" and "wrapped" function-state fields (order matters only for
// deterministic diagnostic output, not for correctness).
type OrderedSet struct {
	members map[*Signature]bool
	order   []*Signature
}

// NewOrderedSet returns an empty OrderedSet.
func NewOrderedSet() *OrderedSet {
	return &OrderedSet{members: map[*Signature]bool{}}
}

// Add inserts sig if not already present. Returns true if this changed the
// set (used by the worklist to test "did state addition make progress").
func (s *OrderedSet) Add(sig *Signature) bool {
	if s.members[sig] {
		return false
	}
	s.members[sig] = true
	s.order = append(s.order, sig)
	return true
}

// Has reports whether sig is in the set.
func (s *OrderedSet) Has(sig *Signature) bool {
	return s.members[sig]
}

// Members returns the set contents in insertion order.
func (s *OrderedSet) Members() []*Signature {
	return s.order
}

// Len is the number of members.
func (s *OrderedSet) Len() int {
	return len(s.order)
}

// Clone returns an independent copy of s.
func (s *OrderedSet) Clone() *OrderedSet {
	c := NewOrderedSet()
	for _, m := range s.order {
		c.Add(m)
	}
	return c
}

// Union adds every member of other into s, returning true if s changed.
func (s *OrderedSet) Union(other *OrderedSet) bool {
	changed := false
	for _, m := range other.order {
		if s.Add(m) {
			changed = true
		}
	}
	return changed
}
