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

/*
Package config loads the analyzer's configuration from a YAML file.

Use [Load](filename) to load a configuration from a specific filename, or
[SetGlobalConfig]/[LoadGlobal] to load a config set once at startup and
shared by every engine in the run.

The recognized runtime symbols (the protect/unprotect functions, the
stack-top global, the GC and intern functions, ...) are configuration, not
baked-in constants: the analyzer has no notion of any particular protection
API until the config names one. A typical file:

	log-level: 3
	max-count: 64
	max-depth: 64
	max-states: 3000
	protect-function: "example.org/guard.Protect"
	unprotect-function: "example.org/guard.Unprotect"
	stack-top-global: "example.org/guard.stackTop"
	gc-function: "example.org/guard.GC"
*/
package config
