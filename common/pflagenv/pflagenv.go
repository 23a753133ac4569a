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

// Package pflagenv lets environment variables stand in for flags that were
// not passed on the command line.
package pflagenv

import (
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// ParseFlagSet sets every flag of fs that was not passed on the command
// line from the environment variable <envPrefix><UPPERCASED_FLAG_NAME>
// (dashes become underscores), if present. Call after fs.Parse.
func ParseFlagSet(fs *pflag.FlagSet, envPrefix string) {
	// The flag package cannot tell "set to default" from "not set", so
	// collect all names first and drop the ones Visit reports as set.
	nonset := map[string]*pflag.Flag{}
	fs.VisitAll(func(f *pflag.Flag) { nonset[f.Name] = f })
	fs.Visit(func(f *pflag.Flag) { delete(nonset, f.Name) })

	for name, f := range nonset {
		env := envPrefix + strings.Replace(strings.ToUpper(name), "-", "_", -1)
		if v := os.Getenv(env); v != "" {
			f.Value.Set(v)
			f.Changed = true
		}
	}
}

// Parse is ParseFlagSet on pflag.CommandLine.
func Parse(envPrefix string) {
	ParseFlagSet(pflag.CommandLine, envPrefix)
}
