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

package config

const (
	// DefaultMaxCount bounds a protection counter variable's tracked value.
	// Past this bound the balance engine folds the counter into the stack
	// depth (the "diff state") rather than keeping an exact count.
	DefaultMaxCount = 64

	// DefaultMaxDepth bounds the protection stack depth the balance engine
	// tracks along a path; a deeper path is reported and not followed.
	DefaultMaxDepth = 64

	// DefaultMaxStates bounds the number of distinct packed states a
	// single function's worklist may enqueue before the allocator engine
	// falls back to a flow-insensitive sweep of that function.
	DefaultMaxStates = 3000
)
