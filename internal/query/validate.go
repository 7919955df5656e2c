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

package query

import (
	"fmt"
)

// Validation messages
const (
	MsgMissingQueryOrAggs = "Query must contain either 'query' or 'aggs' field"
	MsgAggsInsideQuery    = "Aggregations must be at root level, not inside query. Move 'aggs' outside of 'query'."
	MsgAggsInsideBool     = "Aggregations must be at root level, not inside bool query. Move 'aggs' outside of 'query'."
	MsgFilterNotArray     = "Bool filter must be an array"
	MsgAggsInsideFilter   = "Aggregations cannot be inside filter. Move 'aggs' to root level."
	MsgMustNotArray       = "Bool must must be an array"
	MsgShouldNotArray     = "Bool should must be an array"
	MsgAggsNotObject      = "Aggregations must be an object"
	MsgSizeNotNumber      = "Size parameter must be a number"
)

// Verdict is the result of structural validation
type Verdict struct {
	Valid bool   `json:"valid"`
	Issue string `json:"issue,omitempty"`
}

func invalid(issue string) Verdict {
	return Verdict{Issue: issue}
}

// Validate checks the structural rules in order and reports the first
// violation.
func Validate(tree map[string]any) Verdict {
	if tree == nil {
		return invalid(MsgMissingQueryOrAggs)
	}
	_, hasQuery := tree["query"]
	_, hasAggs := tree["aggs"]
	if !hasQuery && !hasAggs {
		return invalid(MsgMissingQueryOrAggs)
	}

	if q, ok := getMap(tree, "query"); ok {
		if _, nested := q["aggs"]; nested {
			return invalid(MsgAggsInsideQuery)
		}
		if b, ok := getMap(q, "bool"); ok {
			if verdict := validateBool(b); !verdict.Valid {
				return verdict
			}
		}
	}

	if hasAggs {
		if _, ok := getMap(tree, "aggs"); !ok {
			return invalid(MsgAggsNotObject)
		}
	}

	if size, ok := tree["size"]; ok && !isNumber(size) {
		return invalid(MsgSizeNotNumber)
	}

	return Verdict{Valid: true}
}

func validateBool(b map[string]any) Verdict {
	if _, nested := b["aggs"]; nested {
		return invalid(MsgAggsInsideBool)
	}

	if filter, ok := b["filter"]; ok {
		items, isArray := filter.([]any)
		if !isArray {
			return invalid(MsgFilterNotArray)
		}
		for _, item := range items {
			if m, ok := item.(map[string]any); ok {
				if _, nested := m["aggs"]; nested {
					return invalid(MsgAggsInsideFilter)
				}
			}
		}
	}

	if must, ok := b["must"]; ok {
		if _, isArray := must.([]any); !isArray {
			return invalid(MsgMustNotArray)
		}
	}
	if should, ok := b["should"]; ok {
		if _, isArray := should.([]any); !isArray {
			return invalid(MsgShouldNotArray)
		}
	}

	return Verdict{Valid: true}
}

// ValidateRaw parses raw and validates the result. Input holding anything
// other than exactly one JSON object is rejected.
func ValidateRaw(raw string) Verdict {
	tree, err := Parse(raw)
	if err != nil {
		return invalid(fmt.Sprintf("Invalid query JSON: %v", err))
	}
	return Validate(tree)
}
