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

// Package rchktest provides test fixtures for the balance and allocator
// engines, adapted from the ar-go-tools analysistest helper: instead of
// loading source/sink-annotated test directories, it builds a one-package
// ssa.Program directly from a literal Go source string, and scans
// "@Diag(tag)" comments to build the expected-diagnostics table for a
// scenario test.
package rchktest

import (
	"fmt"
	"go/token"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/rchk-go/rchk/analysis/config"
)

// LoadTest loads the program in directory dir, looking for a main.go and a
// config.yaml. If additional files are specified as extraFiles, the program
// will be loaded using those too.
func LoadTest(t *testing.T, dir string, extraFiles []string) (*ssa.Program, *config.Config) {
	t.Helper()
	config.SetGlobalConfig(filepath.Join(dir, "config.yaml"))
	files := []string{filepath.Join(dir, "main.go")}
	for _, f := range extraFiles {
		files = append(files, filepath.Join(dir, f))
	}

	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedCompiledGoFiles |
			packages.NeedImports | packages.NeedDeps | packages.NeedTypes |
			packages.NeedSyntax | packages.NeedTypesInfo,
		Fset: token.NewFileSet(),
	}
	pkgs, err := packages.Load(cfg, files...)
	if err != nil || packages.PrintErrors(pkgs) > 0 {
		t.Fatalf("error loading packages in %s: %v", dir, err)
	}
	// NaiveForm keeps every local variable as an explicit alloca/load/store
	// triple instead of lifting non-escaping locals to SSA registers --
	// required because the balance and allocator engines recognize counter
	// variables and save slots by their alloca use pattern.
	prog, _ := ssautil.AllPackages(pkgs, ssa.NaiveForm)
	prog.Build()

	loadedCfg, err := config.LoadGlobal()
	if err != nil {
		t.Fatalf("error loading global config: %v", err)
	}
	return prog, loadedCfg
}

// LoadFromSource builds a single-package ssa.Program from a literal Go
// source string, by feeding it to go/packages through an in-memory
// overlay. The file lives in a fresh t.TempDir(); pkgName is used only in
// failure messages.
func LoadFromSource(t *testing.T, pkgName string, src string) (*ssa.Program, *ssa.Package) {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "main.go")

	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedCompiledGoFiles |
			packages.NeedImports | packages.NeedDeps | packages.NeedTypes |
			packages.NeedSyntax | packages.NeedTypesInfo,
		Dir:     dir,
		Overlay: map[string][]byte{file: []byte(src)},
		Fset:    token.NewFileSet(),
	}
	pkgs, err := packages.Load(cfg, file)
	if err != nil {
		t.Fatalf("failed to load synthetic package %s: %v", pkgName, err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		t.Fatalf("errors type-checking synthetic package %s", pkgName)
	}

	prog, ssaPkgs := ssautil.AllPackages(pkgs, ssa.NaiveForm)
	prog.Build()
	if len(ssaPkgs) == 0 || ssaPkgs[0] == nil {
		t.Fatalf("failed to build SSA for synthetic package %s", pkgName)
	}
	return prog, ssaPkgs[0]
}

// diagRegex matches "@Diag(tag)" annotation comments.
var diagRegex = regexp.MustCompile(`//.*@Diag\(([A-Za-z0-9_-]+)\)`)

// ExpectedDiag is one expected diagnostic, at the line the @Diag(tag)
// comment appears on.
type ExpectedDiag struct {
	Line int
	Tag  string
}

// ExpectedDiagnostics scans src and returns one ExpectedDiag per
// "// @Diag(tag)" comment line found.
func ExpectedDiagnostics(src string) []ExpectedDiag {
	var out []ExpectedDiag
	for i, line := range strings.Split(src, "\n") {
		m := diagRegex.FindStringSubmatch(line)
		if len(m) > 1 {
			out = append(out, ExpectedDiag{Line: i + 1, Tag: m[1]})
		}
	}
	return out
}

// FmtDiags is a small helper for assertion failure messages.
func FmtDiags(ds []ExpectedDiag) string {
	var sb strings.Builder
	for _, d := range ds {
		fmt.Fprintf(&sb, "%d:%s ", d.Line, d.Tag)
	}
	return sb.String()
}
