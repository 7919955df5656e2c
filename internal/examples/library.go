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

// Package examples holds the question/query example library and ranks it
// against incoming questions for few-shot prompting.
package examples

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Example is one question/query pair from the knowledge base
type Example struct {
	Question      string          `json:"question" yaml:"question"`
	Keywords      []string        `json:"keywords" yaml:"keywords"`
	Query         json.RawMessage `json:"query" yaml:"-"`
	Scenario      string          `json:"scenario,omitempty" yaml:"scenario,omitempty"`
	Phase         string          `json:"phase,omitempty" yaml:"phase,omitempty"`
	BusinessValue string          `json:"business_value,omitempty" yaml:"business_value,omitempty"`
}

type yamlExample struct {
	Example `yaml:",inline"`
	Query   any `yaml:"query"`
}

// Library is the read-only example collection. It is built once and shared
// by every request; nothing mutates it after loading.
type Library struct {
	examples []Example
	sources  []string
}

// NewLibrary wraps an in-memory example list
func NewLibrary(examples []Example) *Library {
	copied := make([]Example, len(examples))
	copy(copied, examples)
	return &Library{examples: copied}
}

// LoadLibrary reads every *.json, *.yaml and *.yml file in dir. JSON files
// hold an array of examples, YAML files a list. Files that fail to parse are
// reported together; the examples from the other files are still returned.
func LoadLibrary(dir string) (*Library, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge base directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	lib := &Library{}
	var result *multierror.Error
	for _, name := range names {
		path := filepath.Join(dir, name)
		loaded, err := loadFile(path)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		lib.examples = append(lib.examples, loaded...)
		lib.sources = append(lib.sources, path)
	}

	return lib, result.ErrorOrNil()
}

func loadFile(path string) ([]Example, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var examples []Example
		if err := json.Unmarshal(data, &examples); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return filterUsable(examples), nil
	}

	var raw []yamlExample
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	examples := make([]Example, 0, len(raw))
	for i, item := range raw {
		ex := item.Example
		if item.Query != nil {
			body, err := json.Marshal(item.Query)
			if err != nil {
				return nil, fmt.Errorf("%s: example %d has a query that is not JSON compatible: %w", path, i, err)
			}
			ex.Query = body
		}
		examples = append(examples, ex)
	}
	return filterUsable(examples), nil
}

// filterUsable drops entries without a question or keywords; they can never
// be scored.
func filterUsable(examples []Example) []Example {
	out := examples[:0]
	for _, ex := range examples {
		if strings.TrimSpace(ex.Question) == "" || len(ex.Keywords) == 0 {
			continue
		}
		out = append(out, ex)
	}
	return out
}

// Examples returns a copy of the loaded examples
func (l *Library) Examples() []Example {
	if l == nil {
		return nil
	}
	out := make([]Example, len(l.examples))
	copy(out, l.examples)
	return out
}

// Len returns the number of examples
func (l *Library) Len() int {
	if l == nil {
		return 0
	}
	return len(l.examples)
}

// Sources lists the files the library was loaded from
func (l *Library) Sources() []string {
	if l == nil {
		return nil
	}
	return append([]string(nil), l.sources...)
}
