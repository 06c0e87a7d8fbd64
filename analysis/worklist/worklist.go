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

// Package worklist provides the generic LIFO worklist and hash-consed
// done-set the balance and allocator engines both drive: a state is
// packed to a comparable key once (the hash is computed then and never
// recomputed), and only states whose key has not been seen for this
// function are pushed. This is the same shape as the teacher's
// single_function_monotone_analysis.go worklist/changeFlag loop, made
// generic over the packed key and the state payload via Go's type
// parameters (not present in the teacher's Go 1.20 baseline dataflow
// package, but idiomatic for a from-scratch generic utility at that
// language version).
package worklist

// Worklist is a LIFO queue of states of type V, deduplicated by a packed
// key of type K. Push only enqueues a state the first time its key is
// seen; Pop removes and returns states in LIFO order, matching
// spec.md's "process states in LIFO order" requirement (deepest/latest
// branch explored first, the same order a recursive depth-first walker
// would use).
type Worklist[K comparable, V any] struct {
	done  map[K]bool
	stack []item[K, V]
}

type item[K comparable, V any] struct {
	key   K
	value V
}

// New returns an empty worklist.
func New[K comparable, V any]() *Worklist[K, V] {
	return &Worklist[K, V]{done: map[K]bool{}}
}

// Push enqueues value under key if key has not been seen before. Returns
// true if it was enqueued (the caller's "did this add a new state" signal).
func (w *Worklist[K, V]) Push(key K, value V) bool {
	if w.done[key] {
		return false
	}
	w.done[key] = true
	w.stack = append(w.stack, item[K, V]{key: key, value: value})
	return true
}

// Pop removes and returns the most recently pushed state. ok is false if
// the worklist is empty.
func (w *Worklist[K, V]) Pop() (value V, ok bool) {
	if len(w.stack) == 0 {
		return value, false
	}
	top := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]
	return top.value, true
}

// Len is the number of states still queued (not the number ever seen --
// use Seen for that).
func (w *Worklist[K, V]) Len() int {
	return len(w.stack)
}

// Seen is the number of distinct keys ever pushed, i.e. the size of the
// done-set. The allocator engine compares this against MAX_STATES to
// decide when to fall back to a flow-insensitive sweep.
func (w *Worklist[K, V]) Seen() int {
	return len(w.done)
}
