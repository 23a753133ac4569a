//
// Copyright (c) 2023-2026 Uniota Contributors
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package pflagenv

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestParseFlagSet(t *testing.T) {
	fs := pflag.NewFlagSet("pflagenv-test", pflag.ContinueOnError)

	var fromCL, emptyCL, fromEnv, untouched, dashed string
	fs.StringVar(&fromCL, "from-cl", "def1", "")
	fs.StringVar(&emptyCL, "empty-cl", "def2", "")
	fs.StringVar(&fromEnv, "from-env", "def3", "")
	fs.StringVar(&untouched, "untouched", "def4", "")
	fs.StringVar(&dashed, "two-words", "def5", "")
	fs.Parse([]string{"--from-cl=cl1", "--empty-cl="})

	// The command line always wins, even when it set the flag to empty.
	t.Setenv("UNIOTA_FROM_CL", "env1")
	t.Setenv("UNIOTA_EMPTY_CL", "env2")
	t.Setenv("UNIOTA_FROM_ENV", "env3")
	t.Setenv("UNIOTA_TWO_WORDS", "env5")
	ParseFlagSet(fs, "UNIOTA_")

	for _, tc := range []struct {
		name string
		got  string
		want string
	}{
		{"from-cl", fromCL, "cl1"},
		{"empty-cl", emptyCL, ""},
		{"from-env", fromEnv, "env3"},
		{"untouched", untouched, "def4"},
		{"two-words", dashed, "env5"},
	} {
		if tc.got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, tc.got, tc.want)
		}
	}
}
