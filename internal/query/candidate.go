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

// Package query holds candidate search queries and the deterministic steps
// applied to them: parsing, structural validation and repair, and heuristic
// optimization.
package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

// ErrNotObject is returned when the input is valid JSON but not an object
var ErrNotObject = errors.New("query must be a single JSON object")

// ErrTrailingData is returned when more than one JSON value is present
var ErrTrailingData = errors.New("query must contain exactly one top-level JSON object")

// Candidate is a query produced by a provider. A run replaces it at most once
// with the provider's repaired query, which carries WasRepaired.
type Candidate struct {
	Tree              map[string]any `json:"tree"`
	Raw               string         `json:"raw"`
	ProviderID        string         `json:"provider_id"`
	Identity          string         `json:"identity"`
	GenerationLatency time.Duration  `json:"generation_latency"`
	WasRepaired       bool           `json:"was_repaired"`
	// StructureFixed marks a tree whose misplaced parts RepairStructure moved
	StructureFixed bool `json:"structure_fixed"`
}

// JSON returns the canonical encoding of the candidate's tree
func (c *Candidate) JSON() ([]byte, error) {
	return Canonical(c.Tree)
}

// Parse decodes raw into a tree. The input must hold exactly one JSON object;
// numbers are kept as json.Number so sizes round-trip unchanged.
func Parse(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	tree, ok := value.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, ErrTrailingData
	}
	return tree, nil
}

// Canonical encodes a tree with sorted keys and no insignificant whitespace
func Canonical(tree map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Equal reports whether two trees have the same canonical encoding
func Equal(a, b map[string]any) bool {
	ca, errA := Canonical(a)
	cb, errB := Canonical(b)
	return errA == nil && errB == nil && bytes.Equal(ca, cb)
}

// Clone deep-copies a tree
func Clone(tree map[string]any) map[string]any {
	if tree == nil {
		return nil
	}
	return cloneValue(tree).(map[string]any)
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, val := range typed {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

var (
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
	codeFence     = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
)

// StripFences removes a surrounding markdown code fence, if any
func StripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if m := codeFence.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

// FixJSONText repairs trailing commas and single-quoted strings. Text that
// is already valid JSON is returned unchanged.
func FixJSONText(raw string) string {
	if json.Valid([]byte(raw)) {
		return raw
	}
	fixed := trailingComma.ReplaceAllString(raw, "$1")
	if json.Valid([]byte(fixed)) {
		return fixed
	}
	return strings.ReplaceAll(fixed, "'", `"`)
}

func getMap(m map[string]any, key string) (map[string]any, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	typed, ok := v.(map[string]any)
	return typed, ok
}

func isNumber(v any) bool {
	switch v.(type) {
	case json.Number, float64, float32, int, int64, int32:
		return true
	default:
		return false
	}
}

func asInt(v any) (int64, bool) {
	switch typed := v.(type) {
	case json.Number:
		n, err := typed.Int64()
		return n, err == nil
	case float64:
		return int64(typed), typed == float64(int64(typed))
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	default:
		return 0, false
	}
}
