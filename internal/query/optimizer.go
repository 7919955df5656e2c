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
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/logquery-assistant/internal/classifier"
)

// Category is the optimizer's view of what a question asks for
type Category string

// Optimizer categories
const (
	CategoryCounting Category = "COUNTING"
	CategoryUser     Category = "USER_ANALYSIS"
	CategoryTraffic  Category = "TRAFFIC_ANALYSIS"
	CategoryTime     Category = "TIME_BASED"
	CategorySecurity Category = "SECURITY_ANALYSIS"
	CategoryGeneral  Category = "GENERAL"
)

// Field names the rewrites target
const (
	TimestampField = "@timestamp"
	UserField      = "source.user.name"
	BytesField     = "network.bytes"
	CategoryField  = "event.category"

	DefaultResultSize = 50
	MaxExplicitSize   = 1000
)

// Names of applied rewrites
const (
	RewriteCountAggregation = "count_aggregation"
	RewriteUserField        = "user_field"
	RewriteTrafficSum       = "traffic_sum"
	RewriteRelativeTime     = "relative_time"
	RewriteSecurityFilter   = "security_filter"
	RewriteTermsSize        = "terms_size_cleanup"
	RewriteExplicitSize     = "explicit_size"
	RewriteDefaultSize      = "default_size"
)

var categoryTable = classifier.NewTable(CategoryGeneral,
	classifier.Rule[Category]{Label: CategoryCounting, Match: classifier.ContainsAny("tổng", "đếm", "bao nhiêu", "số lượng", "count", "how many")},
	classifier.Rule[Category]{Label: CategoryUser, Match: classifier.ContainsAny("user", "người dùng", "tài khoản")},
	classifier.Rule[Category]{Label: CategoryTraffic, Match: classifier.ContainsAny("traffic", "lưu lượng", "bytes", "băng thông")},
	classifier.Rule[Category]{Label: CategoryTime, Match: classifier.ContainsAny("phút", "giờ", "ngày", "minute", "hour", "day")},
	classifier.Rule[Category]{Label: CategorySecurity, Match: classifier.ContainsAny("blocked", "denied", "chặn", "deny", "block")},
)

var explicitSizePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d+)\s*(?:kết quả|results?)`),
	regexp.MustCompile(`top\s+(\d+)`),
	regexp.MustCompile(`first\s+(\d+)`),
	regexp.MustCompile(`(\d+)\s*(?:đầu tiên|first)`),
	regexp.MustCompile(`hiển thị\s+(\d+)`),
	regexp.MustCompile(`lấy\s+(\d+)`),
	regexp.MustCompile(`show\s+(\d+)`),
}

var absoluteTime = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

var userFieldAliases = map[string]struct{}{
	"user.name":   {},
	"user":        {},
	"username":    {},
	"source.user": {},
}

// Optimization is the optimizer's output
type Optimization struct {
	Tree         map[string]any `json:"tree"`
	Category     Category       `json:"category"`
	Applied      []string       `json:"applied,omitempty"`
	ExplicitSize int            `json:"explicit_size,omitempty"`
}

// JSON serializes the optimized tree and applies the text-level repairs
func (o Optimization) JSON() (string, error) {
	data, err := Canonical(o.Tree)
	if err != nil {
		return "", err
	}
	return FixJSONText(string(data)), nil
}

// Optimizer applies category-driven rewrites and size rules to queries
type Optimizer struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewOptimizer creates an optimizer
func NewOptimizer(logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{logger: logger, now: time.Now}
}

// DetectCategory returns the first matching category for userText
func DetectCategory(userText string) Category {
	return categoryTable.Classify(userText)
}

// ExplicitSize returns a result count the user asked for, or 0
func ExplicitSize(userText string) int {
	lowered := strings.ToLower(userText)
	for _, re := range explicitSizePatterns {
		m := re.FindStringSubmatch(lowered)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 && n <= MaxExplicitSize {
			return n
		}
	}
	return 0
}

// Optimize rewrites a copy of tree for the question in userText. The rewrites
// are idempotent; an explicit size from the question always wins over the
// size any rewrite or default would set.
func (o *Optimizer) Optimize(tree map[string]any, userText string) Optimization {
	out := Clone(tree)
	if out == nil {
		out = make(map[string]any)
	}
	category := DetectCategory(userText)
	result := Optimization{Tree: out, Category: category}
	apply := func(name string, changed bool) {
		if changed {
			result.Applied = append(result.Applied, name)
		}
	}

	switch category {
	case CategoryCounting:
		apply(RewriteCountAggregation, ensureCountAggregation(out))
	case CategoryUser:
		apply(RewriteUserField, normalizeUserFields(out))
	case CategoryTraffic:
		apply(RewriteTrafficSum, ensureTrafficSum(out))
	case CategoryTime:
		apply(RewriteRelativeTime, preferRelativeTime(out, o.now()))
	case CategorySecurity:
		apply(RewriteSecurityFilter, ensureSecurityFilter(out))
	}
	if category != CategorySecurity && categoryTable.Matches(userText, CategorySecurity) {
		apply(RewriteSecurityFilter, ensureSecurityFilter(out))
	}

	apply(RewriteTermsSize, cleanupTermsSize(out))

	if n := ExplicitSize(userText); n > 0 {
		result.ExplicitSize = n
		out["size"] = json.Number(strconv.Itoa(n))
		setTermsSize(out, n)
		apply(RewriteExplicitSize, true)
	} else if _, ok := out["size"]; !ok {
		if hasAggregations(out) {
			out["size"] = json.Number("0")
		} else {
			out["size"] = json.Number(strconv.Itoa(DefaultResultSize))
		}
		apply(RewriteDefaultSize, true)
	}

	o.logger.Debug("Optimized query",
		zap.String("category", string(category)),
		zap.Strings("applied", result.Applied),
		zap.Int("explicit_size", result.ExplicitSize))
	return result
}

func hasAggregations(tree map[string]any) bool {
	for _, key := range []string{"aggs", "aggregations"} {
		if m, ok := getMap(tree, key); ok && len(m) > 0 {
			return true
		}
	}
	return false
}

func rootAggs(tree map[string]any) map[string]any {
	if m, ok := getMap(tree, "aggs"); ok {
		return m
	}
	if m, ok := getMap(tree, "aggregations"); ok {
		return m
	}
	m := make(map[string]any)
	tree["aggs"] = m
	return m
}

// findAggregation reports whether any aggregation of kind exists below v,
// optionally restricted to a field.
func findAggregation(v any, kind, field string) bool {
	switch typed := v.(type) {
	case map[string]any:
		for k, val := range typed {
			if k == kind {
				if field == "" {
					return true
				}
				if body, ok := val.(map[string]any); ok && body["field"] == field {
					return true
				}
			}
			if findAggregation(val, kind, field) {
				return true
			}
		}
	case []any:
		for _, val := range typed {
			if findAggregation(val, kind, field) {
				return true
			}
		}
	}
	return false
}

func ensureCountAggregation(tree map[string]any) bool {
	changed := false
	if !findAggregation(tree["aggs"], "value_count", "") && !findAggregation(tree["aggregations"], "value_count", "") {
		aggs := rootAggs(tree)
		name := "total_count"
		if _, taken := aggs[name]; taken {
			name = "total_count_value"
		}
		aggs[name] = map[string]any{
			"value_count": map[string]any{"field": TimestampField},
		}
		changed = true
	}
	if size, ok := asInt(tree["size"]); !ok || size != 0 {
		tree["size"] = json.Number("0")
		changed = true
	}
	return changed
}

func normalizeUserFields(tree map[string]any) bool {
	changed := false
	var walk func(v any, inQuery bool)
	walk = func(v any, inQuery bool) {
		switch typed := v.(type) {
		case map[string]any:
			var renamed []string
			for k, val := range typed {
				walk(val, inQuery)
				if s, ok := val.(string); ok && k == "field" && isUserAlias(s) {
					typed[k] = UserField
					changed = true
				}
				if inQuery && isUserAlias(k) {
					renamed = append(renamed, k)
				}
			}
			sort.Strings(renamed)
			for _, k := range renamed {
				if _, exists := typed[UserField]; !exists {
					typed[UserField] = typed[k]
				}
				delete(typed, k)
				changed = true
			}
		case []any:
			for _, val := range typed {
				walk(val, inQuery)
			}
		}
	}
	for key, val := range tree {
		walk(val, key == "query")
	}
	return changed
}

func isUserAlias(name string) bool {
	_, ok := userFieldAliases[name]
	return ok
}

func references(v any, field string) bool {
	switch typed := v.(type) {
	case map[string]any:
		for k, val := range typed {
			if k == field || references(val, field) {
				return true
			}
		}
	case []any:
		for _, val := range typed {
			if references(val, field) {
				return true
			}
		}
	case string:
		return typed == field
	}
	return false
}

func ensureTrafficSum(tree map[string]any) bool {
	if !references(tree, BytesField) {
		return false
	}
	if findAggregation(tree["aggs"], "sum", BytesField) || findAggregation(tree["aggregations"], "sum", BytesField) {
		return false
	}
	aggs := rootAggs(tree)
	if _, taken := aggs["total_bytes"]; taken {
		return false
	}
	aggs["total_bytes"] = map[string]any{
		"sum": map[string]any{"field": BytesField},
	}
	return true
}

// preferRelativeTime turns an open range starting at an absolute instant into
// the equivalent now-relative offset. Closed absolute ranges name a specific
// window and stay as they are.
func preferRelativeTime(tree map[string]any, now time.Time) bool {
	changed := false
	var walk func(v any)
	walk = func(v any) {
		switch typed := v.(type) {
		case map[string]any:
			if r, ok := getMap(typed, "range"); ok {
				if ts, ok := getMap(r, TimestampField); ok && relativize(ts, now) {
					changed = true
				}
			}
			for _, val := range typed {
				walk(val)
			}
		case []any:
			for _, val := range typed {
				walk(val)
			}
		}
	}
	walk(tree["query"])
	return changed
}

func relativize(ts map[string]any, now time.Time) bool {
	gte, ok := ts["gte"].(string)
	if !ok || !absoluteTime.MatchString(gte) {
		return false
	}
	if lte, ok := ts["lte"].(string); ok && absoluteTime.MatchString(lte) {
		return false
	}
	start, ok := parseInstant(gte)
	if !ok {
		return false
	}
	offset, ok := relativeOffset(now.Sub(start))
	if !ok {
		return false
	}
	ts["gte"] = offset
	if _, ok := ts["lte"]; !ok {
		return true
	}
	if lte, _ := ts["lte"].(string); lte == "now" {
		delete(ts, "lte")
	}
	return true
}

var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseInstant(s string) (time.Time, bool) {
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// relativeOffset renders d as whole days when it spans at least one day and
// as whole hours otherwise. Instants in the future have no relative form.
func relativeOffset(d time.Duration) (string, bool) {
	if d <= 0 {
		return "", false
	}
	if d >= 24*time.Hour {
		days := int64(math.Round(d.Hours() / 24))
		return "now-" + strconv.FormatInt(days, 10) + "d", true
	}
	hours := int64(math.Ceil(d.Hours()))
	return "now-" + strconv.FormatInt(hours, 10) + "h", true
}

func securityFilter() map[string]any {
	return map[string]any{
		"term": map[string]any{CategoryField: "security"},
	}
}

func ensureSecurityFilter(tree map[string]any) bool {
	if references(tree["query"], CategoryField) {
		return false
	}

	q, ok := getMap(tree, "query")
	if !ok {
		tree["query"] = map[string]any{
			"bool": map[string]any{"filter": []any{securityFilter()}},
		}
		return true
	}

	b, ok := getMap(q, "bool")
	if !ok {
		wrapped := map[string]any{"must": []any{q}}
		b = wrapped
		tree["query"] = map[string]any{"bool": wrapped}
	}

	var filter []any
	switch existing := b["filter"].(type) {
	case []any:
		filter = existing
	case map[string]any:
		filter = []any{existing}
	}
	b["filter"] = append([]any{securityFilter()}, filter...)
	return true
}

func cleanupTermsSize(tree map[string]any) bool {
	changed := false
	var walk func(v any)
	walk = func(v any) {
		switch typed := v.(type) {
		case map[string]any:
			if terms, ok := getMap(typed, "terms"); ok {
				if size, ok := asInt(terms["size"]); ok && size == 0 {
					delete(terms, "size")
					changed = true
				}
			}
			for _, val := range typed {
				walk(val)
			}
		case []any:
			for _, val := range typed {
				walk(val)
			}
		}
	}
	walk(tree["aggs"])
	walk(tree["aggregations"])
	return changed
}

// setTermsSize caps every terms aggregation at n buckets
func setTermsSize(tree map[string]any, n int) {
	var walk func(v any)
	walk = func(v any) {
		switch typed := v.(type) {
		case map[string]any:
			if terms, ok := getMap(typed, "terms"); ok {
				terms["size"] = json.Number(strconv.Itoa(n))
			}
			for _, val := range typed {
				walk(val)
			}
		case []any:
			for _, val := range typed {
				walk(val)
			}
		}
	}
	walk(tree["aggs"])
	walk(tree["aggregations"])
}
