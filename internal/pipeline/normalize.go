// Copyright 2024 AI SA Assistant Project
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

package pipeline

import (
	"regexp"
	"strings"
)

// AdministratorName is the canonical name of the administrator account
const AdministratorName = "Administrator"

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

var administratorAliases = map[string]struct{}{
	"admin":         {},
	"ad":            {},
	"administrator": {},
}

// NormalizeQuestion rewrites standalone admin, ad and administrator words to
// the account name stored in the logs.
func NormalizeQuestion(question string) string {
	return wordPattern.ReplaceAllStringFunc(question, func(word string) string {
		if _, ok := administratorAliases[strings.ToLower(word)]; ok {
			return AdministratorName
		}
		return word
	})
}
