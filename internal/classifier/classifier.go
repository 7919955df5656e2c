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

// Package classifier provides ordered keyword and pattern rule tables used to
// label user questions with domains, intents and query categories.
package classifier

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Predicate reports whether a lowercased question matches a rule
type Predicate func(text string) bool

// Rule pairs a predicate with the label it assigns
type Rule[L comparable] struct {
	Label L
	Match Predicate
}

// Table is an ordered list of rules. The first matching rule wins; adding a
// category means adding a row, not a branch.
type Table[L comparable] struct {
	rules    []Rule[L]
	fallback L
}

// NewTable creates a rule table returning fallback when nothing matches
func NewTable[L comparable](fallback L, rules ...Rule[L]) *Table[L] {
	copied := make([]Rule[L], len(rules))
	copy(copied, rules)
	return &Table[L]{rules: copied, fallback: fallback}
}

// Classify returns the label of the first matching rule
func (t *Table[L]) Classify(text string) L {
	lowered := strings.ToLower(text)
	for _, rule := range t.rules {
		if rule.Match(lowered) {
			return rule.Label
		}
	}
	return t.fallback
}

// Matches reports whether any rule carrying label matches text. Used when a
// secondary label still needs to be honored after the primary one was picked.
func (t *Table[L]) Matches(text string, label L) bool {
	lowered := strings.ToLower(text)
	for _, rule := range t.rules {
		if rule.Label == label && rule.Match(lowered) {
			return true
		}
	}
	return false
}

// ContainsAny matches when the text contains any of the keywords
func ContainsAny(keywords ...string) Predicate {
	return func(text string) bool {
		for _, keyword := range keywords {
			if strings.Contains(text, keyword) {
				return true
			}
		}
		return false
	}
}

// Pattern matches a compiled regular expression against the text
func Pattern(expr string) Predicate {
	re := regexp.MustCompile(expr)
	return re.MatchString
}

// WordStart is a boundary usable in front of non-ASCII words, where \b does
// not apply.
const WordStart = `(?:^|[^\p{L}\p{N}_])`

// Tokenize splits lowercased text on whitespace, trims surrounding
// punctuation and keeps tokens longer than two characters that are not in
// stop.
func Tokenize(text string, stop map[string]struct{}) []string {
	var tokens []string
	for _, field := range strings.Fields(text) {
		word := strings.TrimFunc(field, func(r rune) bool {
			return unicode.IsPunct(r) && r != '_' && r != '@'
		})
		if utf8.RuneCountInString(word) <= 2 {
			continue
		}
		if _, ok := stop[word]; ok {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}
