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

package tools

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewCommonFlagsParsesCommon(t *testing.T) {
	flags, err := NewCommonFlags("check", []string{"-config", "rchk.yaml", "-verbose", "-json"}, "usage")
	if err != nil {
		t.Fatalf("NewCommonFlags: %v", err)
	}
	if flags.ConfigPath != "rchk.yaml" {
		t.Errorf("expected config path rchk.yaml, got %q", flags.ConfigPath)
	}
	if !flags.Verbose || !flags.JSON {
		t.Errorf("expected verbose and json to be true, got %+v", flags)
	}
}

func TestExcludePathsCollectsRepeatedFlags(t *testing.T) {
	var exclude ExcludePaths
	if err := exclude.Set("a/b"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := exclude.Set("c/d"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(exclude) != 2 || exclude[0] != "a/b" || exclude[1] != "c/d" {
		t.Errorf("unexpected exclude paths: %v", exclude)
	}
}

func TestLoadConfigEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected a non-nil default config")
	}
	if cfg.ProtectFunction != "" {
		t.Errorf("expected an unconfigured default config, got ProtectFunction=%q", cfg.ProtectFunction)
	}
}

func TestLoadConfigMissingFileErrors(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist.yaml")
	if _, err := LoadConfig(missing); err == nil {
		t.Error("expected an error loading a nonexistent config file")
	}
}

func TestLoadConfigReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rchk.yaml")
	const yaml = `protect-function: mypkg.Protect
unprotect-function: mypkg.Unprotect
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("writing fixture config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ProtectFunction != "mypkg.Protect" {
		t.Errorf("expected ProtectFunction mypkg.Protect, got %q", cfg.ProtectFunction)
	}
}
