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

package diagnostics_test

import (
	"go/token"
	"testing"

	"github.com/rchk-go/rchk/analysis/diagnostics"
)

func TestFilteringSinkDropsSuppressedLine(t *testing.T) {
	collecting := diagnostics.NewCollectingSink()
	suppress := map[string]bool{"main.go:10": true}
	sink := diagnostics.NewFilteringSink(collecting, suppress)

	sink.Report(diagnostics.Diagnostic{
		Tag: "imbalance",
		Pos: token.Position{Filename: "main.go", Line: 10},
	})
	sink.Report(diagnostics.Diagnostic{
		Tag: "imbalance",
		Pos: token.Position{Filename: "main.go", Line: 11},
	})

	got := collecting.ByLine()
	if len(got) != 1 {
		t.Fatalf("expected exactly one diagnostic to pass through, got %v", got)
	}
	if got[0].Pos.Line != 11 {
		t.Errorf("expected the surviving diagnostic to be on line 11, got line %d", got[0].Pos.Line)
	}
}

func TestFilteringSinkNoSuppressionIsPassthrough(t *testing.T) {
	collecting := diagnostics.NewCollectingSink()
	sink := diagnostics.NewFilteringSink(collecting, map[string]bool{})

	sink.Report(diagnostics.Diagnostic{Tag: "imbalance", Pos: token.Position{Filename: "a.go", Line: 1}})
	sink.Report(diagnostics.Diagnostic{Tag: "imbalance", Pos: token.Position{Filename: "b.go", Line: 2}})

	if got := collecting.ByLine(); len(got) != 2 {
		t.Errorf("expected both diagnostics to pass through, got %v", got)
	}
}
