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

package analysis

import (
	"sync"

	"github.com/rchk-go/rchk/analysis/config"
	"golang.org/x/tools/go/ssa"
)

// Cache holds driver-level state for a single cmd/rchk run: the loaded
// program, its configuration, its log group, and the non-fatal errors
// recorded along the way. The balance, allocator and closure engines do not
// use it; they report diagnostics through a diagnostics.Sink.
//
// There is no pointer-analysis result here: the engines resolve callees
// statically only (ssa.CallCommon.StaticCallee), matching the analyses'
// own restriction against aliasing reasoning.
type Cache struct {
	Log     *config.LogGroup
	Config  *config.Config
	Program *ssa.Program

	errors     map[error]bool
	errorMutex sync.Mutex
}

// NewCache returns a properly initialized cache.
func NewCache(p *ssa.Program, log *config.LogGroup, c *config.Config) *Cache {
	return &Cache{
		Log:     log,
		Config:  c,
		Program: p,
		errors:  map[error]bool{},
	}
}

// AddError records a non-fatal error encountered during analysis.
func (c *Cache) AddError(e error) {
	if e == nil {
		return
	}
	c.errorMutex.Lock()
	defer c.errorMutex.Unlock()
	c.errors[e] = true
}

// CheckError pops one recorded error, if any.
func (c *Cache) CheckError() error {
	c.errorMutex.Lock()
	defer c.errorMutex.Unlock()
	for e := range c.errors {
		delete(c.errors, e)
		return e
	}
	return nil
}
