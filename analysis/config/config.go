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

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// configFile is the global config file set by SetGlobalConfig.
	configFile string
)

// SetGlobalConfig sets the global config filename.
func SetGlobalConfig(filename string) {
	configFile = filename
}

// LoadGlobal loads the config file that has been set by SetGlobalConfig.
func LoadGlobal() (*Config, error) {
	return Load(configFile)
}

// Config is the analyzer's full configuration: the recognized runtime
// symbols (Symbols), the saturation bounds for the balance and allocator
// engines, and the usual reporting/verbosity knobs.
//
// To add elements to a config file, add fields to this struct. Unset
// fields are zero-valued.
type Config struct {
	Options `yaml:",inline"`
	Symbols `yaml:",inline"`

	sourceFile string

	// pkgFilterRegex is compiled from PkgFilter, if set.
	pkgFilterRegex *regexp.Regexp
}

// Symbols names the runtime functions and globals the analyses recognize.
// None of these are hardcoded: every engine receives them through
// *analysis/symbols.Globals, which is built by resolving these dotted
// names against the loaded program (see analysis/symbols.Resolve).
type Symbols struct {
	// ProtectFunction is the function pushing one value on the
	// protection stack and returning it unchanged.
	ProtectFunction string `yaml:"protect-function"`

	// ProtectWithIndexFunction additionally writes the stack index it
	// was assigned into an out-parameter.
	ProtectWithIndexFunction string `yaml:"protect-with-index-function"`

	// UnprotectFunction pops n values off the protection stack.
	UnprotectFunction string `yaml:"unprotect-function"`

	// UnprotectPtrFunction removes one specific previously-protected value
	// from the protection stack.
	UnprotectPtrFunction string `yaml:"unprotect-ptr-function"`

	// StackTopGlobal is the package-level variable holding the current
	// protection stack depth.
	StackTopGlobal string `yaml:"stack-top-global"`

	// InternFunction interns a string constant into a tracked symbol
	// value (the analogue of R's Rf_install).
	InternFunction string `yaml:"intern-function"`

	// GCFunction is the signature that triggers collection; it is always
	// a member of both the "allocating" and "possible allocator" sets.
	GCFunction string `yaml:"gc-function"`

	// RegisterRoutinesFunction is the registration-table entry point
	// checked by the FFI table walker (cmd/rchk/ffi).
	RegisterRoutinesFunction string `yaml:"register-routines-function"`

	// ErrorFunctions never return; basic blocks they dominate are
	// skipped by the balance and allocator engines.
	ErrorFunctions []string `yaml:"error-functions"`

	// NonAllocators are excluded from the coarse possible-allocator set
	// that closure.CoarseAllocators computes from the call graph.
	// closure.ComputeCalledAllocators does not consult this list, so its
	// possible-allocator set can still contain them.
	NonAllocators []string `yaml:"non-allocators"`

	// InitialAllocators seed the possible-allocator set before the
	// closure is computed (besides GCFunction, which is always seeded).
	InitialAllocators []string `yaml:"initial-allocators"`
}

// Options holds the reporting and verbosity knobs.
type Options struct {
	// PkgFilter restricts which packages are analyzed, by import path
	// prefix or regex.
	PkgFilter string `yaml:"pkg-filter"`

	// MaxCount bounds a protection counter's tracked exact value.
	MaxCount int `yaml:"max-count"`

	// MaxDepth bounds the tracked protection stack depth.
	MaxDepth int `yaml:"max-depth"`

	// MaxStates bounds the number of distinct states a function's
	// worklist may enqueue before the allocator engine falls back to a
	// flow-insensitive sweep.
	MaxStates int `yaml:"max-states"`

	// LogLevel controls the verbosity of the tool.
	LogLevel int `yaml:"log-level"`

	// DedupDiagnostics collapses repeated diagnostics with the same
	// (function, tag, line) key into one.
	DedupDiagnostics bool `yaml:"dedup-diagnostics"`

	// TraceErrors annotates driver-level errors with a call stack
	// (see internal/diagnose).
	TraceErrors bool `yaml:"trace-errors"`
}

// NewDefault returns a default config with no recognized symbols set.
func NewDefault() *Config {
	return &Config{
		Options: Options{
			MaxCount:         DefaultMaxCount,
			MaxDepth:         DefaultMaxDepth,
			MaxStates:        DefaultMaxStates,
			LogLevel:         int(InfoLevel),
			DedupDiagnostics: true,
		},
	}
}

// Load reads a configuration from a YAML file, filling in defaults for any
// knob left unset.
func Load(filename string) (*Config, error) {
	cfg := NewDefault()
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config file: %w", err)
	}

	cfg.sourceFile = filename

	if cfg.LogLevel == 0 {
		cfg.LogLevel = int(InfoLevel)
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = DefaultMaxCount
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.MaxStates <= 0 {
		cfg.MaxStates = DefaultMaxStates
	}

	if cfg.PkgFilter != "" {
		if r, err := regexp.Compile(cfg.PkgFilter); err == nil {
			cfg.pkgFilterRegex = r
		}
	}

	return cfg, nil
}

// MatchPkgFilter returns true if pkgname matches the package filter set in
// the config file. With no filter set, every package matches.
func (c Config) MatchPkgFilter(pkgname string) bool {
	if c.pkgFilterRegex != nil {
		return c.pkgFilterRegex.MatchString(pkgname)
	} else if c.PkgFilter != "" {
		return strings.HasPrefix(pkgname, c.PkgFilter)
	}
	return true
}

// Verbose returns true if the configured verbosity is Debug or Trace.
func (c Config) Verbose() bool {
	return c.LogLevel >= int(DebugLevel)
}

// ExceedsMaxDepth returns true if d exceeds the configured MaxDepth. A
// MaxDepth <= 0 disables the check.
func (c Config) ExceedsMaxDepth(d int) bool {
	if c.MaxDepth <= 0 {
		return false
	}
	return d > c.MaxDepth
}

// ExceedsMaxCount returns true if n exceeds the configured MaxCount.
func (c Config) ExceedsMaxCount(n int) bool {
	if c.MaxCount <= 0 {
		return false
	}
	return n > c.MaxCount
}
