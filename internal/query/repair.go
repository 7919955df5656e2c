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

// RepairStructure moves aggregation blocks nested under query, query.bool or
// a bool filter clause to the document root. Root aggregations win on name
// conflicts. Non-array bool clauses are wrapped into single-element arrays.
// The input is never modified and applying the repair twice yields the same
// tree as applying it once.
func RepairStructure(tree map[string]any) map[string]any {
	out := Clone(tree)
	if out == nil {
		return nil
	}

	q, ok := getMap(out, "query")
	if !ok {
		return out
	}
	if rootAggs, exists := out["aggs"]; exists {
		if _, isMap := rootAggs.(map[string]any); !isMap {
			// malformed root aggs is reported by Validate
			return out
		}
	}

	var moved []map[string]any
	if aggs, ok := q["aggs"]; ok {
		delete(q, "aggs")
		if m, ok := aggs.(map[string]any); ok {
			moved = append(moved, m)
		}
	}

	if b, ok := getMap(q, "bool"); ok {
		if aggs, ok := b["aggs"]; ok {
			delete(b, "aggs")
			if m, ok := aggs.(map[string]any); ok {
				moved = append(moved, m)
			}
		}

		for _, clause := range []string{"filter", "must", "should"} {
			wrapClause(b, clause)
		}

		if items, ok := b["filter"].([]any); ok {
			kept := items[:0]
			for _, item := range items {
				m, isMap := item.(map[string]any)
				if !isMap {
					kept = append(kept, item)
					continue
				}
				if aggs, ok := m["aggs"]; ok {
					delete(m, "aggs")
					if am, ok := aggs.(map[string]any); ok {
						moved = append(moved, am)
					}
					if len(m) == 0 {
						continue
					}
				}
				kept = append(kept, item)
			}
			b["filter"] = kept
		}
	}

	if len(moved) == 0 {
		return out
	}

	root, ok := getMap(out, "aggs")
	if !ok {
		root = make(map[string]any)
		out["aggs"] = root
	}
	for _, aggs := range moved {
		for name, body := range aggs {
			if _, exists := root[name]; !exists {
				root[name] = body
			}
		}
	}
	return out
}

func wrapClause(b map[string]any, clause string) {
	value, ok := b[clause]
	if !ok {
		return
	}
	if _, isMap := value.(map[string]any); isMap {
		b[clause] = []any{value}
	}
}
