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

// Package synth assembles provider prompts and turns provider output into
// candidate queries.
package synth

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxResponseDataTokens bounds the log data embedded in a response prompt
	MaxResponseDataTokens = 12000
	timestampLayout       = "2006-01-02 15:04:05"
	dateLayout            = "2006-01-02"
)

// Prompt is one provider request: a system block and the user turn
type Prompt struct {
	System string `json:"system"`
	User   string `json:"user"`
}

// GenerationContext is everything the query generation prompt is built from
type GenerationContext struct {
	Question     string
	Now          time.Time
	Examples     string
	Conversation string
	Catalog      *Catalog
}

// RepairContext is the input of the repair prompt sent after an engine error
type RepairContext struct {
	Question      string
	PreviousQuery string
	ErrorText     string
	Fields        []string
	Now           time.Time
}

// ResponseContext is the input of the final answer prompt
type ResponseContext struct {
	Question string
	LogData  string
	Query    string
	Now      time.Time
}

var relativeTimeTable = []struct {
	phrase string
	expr   string
}{
	{"5 phút qua / last 5 minutes", "now-5m"},
	{"1 giờ qua / last hour", "now-1h"},
	{"24 giờ qua / last 24 hours", "now-24h"},
	{"1 tuần qua, 7 ngày qua / last week", "now-7d"},
	{"1 tháng qua / last month", "now-30d"},
	{"hôm nay / today", "now/d"},
	{"hôm qua / yesterday", "now-1d/d"},
}

// TimeContext renders the current time and the relative time conventions
func TimeContext(now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CURRENT TIME CONTEXT (Vietnam timezone %s):\n", now.Format("-07:00"))
	fmt.Fprintf(&sb, "- Current time: %s\n", now.Format(timestampLayout))
	fmt.Fprintf(&sb, "- Current date: %s\n\n", now.Format(dateLayout))
	sb.WriteString("RELATIVE TIME EXPRESSIONS (preferred over absolute timestamps):\n")
	for _, row := range relativeTimeTable {
		fmt.Fprintf(&sb, "- \"%s\" → {\"gte\": \"%s\"}\n", row.phrase, row.expr)
	}
	fmt.Fprintf(&sb, "- Specific day \"ngày DD-MM\" → {\"gte\": \"YYYY-MM-DDT00:00:00.000%[1]s\", \"lte\": \"YYYY-MM-DDT23:59:59.999%[1]s\"}\n", now.Format("-07:00"))
	return sb.String()
}

const generationRules = `You are an expert Elasticsearch query generator for Fortinet firewall logs. Generate ONE valid JSON query that matches the user's intent exactly.

OUTPUT RULES:
1. Return ONLY the JSON query object, no explanations or wrappers.
2. Return EXACTLY ONE JSON object. Never return {"query":{...}},{"aggs":{...}}; merge into {"query":{...},"aggs":{...}}.
3. "aggs" belongs at the root of the object, never inside "query" or "bool".
4. bool "filter", "must" and "should" are arrays: "filter": [{"term":{...}}, {"range":{...}}].
5. Use exact field names from the schema; do not add .keyword unless confirmed.
6. Timestamps use the local offset, e.g. "2025-09-14T10:55:55.000+07:00", never "Z".
`

const roleNormalizationRules = `ROLE NORMALIZATION RULES:
- "admin", "ad", "administrator" referring to a user → source.user.name "Administrator"
- "người dùng", "user", "tài khoản" → source.user.name
- "địa chỉ IP", "IP address" → source.ip or destination.ip
`

// BuildGenerationPrompt assembles the query generation request. It has no
// side effects and returns the same prompt for the same input.
func BuildGenerationPrompt(gc GenerationContext) Prompt {
	var sb strings.Builder
	sb.WriteString(generationRules)
	sb.WriteString("\n")
	sb.WriteString(TimeContext(gc.Now))
	sb.WriteString("\n")

	if gc.Catalog != nil {
		sb.WriteString("SCHEMA INFORMATION:\n")
		sb.WriteString(gc.Catalog.Render())
		sb.WriteString("\n")
	}

	sb.WriteString(roleNormalizationRules)

	if gc.Examples != "" {
		sb.WriteString("\nDYNAMIC EXAMPLES FROM KNOWLEDGE BASE:\n")
		sb.WriteString(gc.Examples)
	}

	if gc.Conversation != "" {
		sb.WriteString("\n")
		sb.WriteString(gc.Conversation)
	}

	return Prompt{
		System: sb.String(),
		User:   fmt.Sprintf("USER QUERY: %s", gc.Question),
	}
}

// BuildRepairPrompt asks for a corrected query after the engine rejected the
// previous one.
func BuildRepairPrompt(rc RepairContext) Prompt {
	var sb strings.Builder
	sb.WriteString("ROLE: You are an expert Elasticsearch DSL fixer. Re-generate the query so it runs without errors.\n\n")
	sb.WriteString("CRITICAL RULES:\n")
	sb.WriteString("1. Return ONLY ONE direct Elasticsearch JSON object, no explanations.\n")
	sb.WriteString("2. Do NOT place \"aggs\" inside \"query\"; aggregations belong at the root.\n")
	sb.WriteString("3. Keep bool must/should/filter as arrays and match operators to field types (term/terms for keyword, match for text, range for dates and numbers).\n")
	sb.WriteString("4. Use only fields from the list below; replace or remove invalid ones.\n")
	sb.WriteString("5. Keep the user's intent and preserve size/sort when they are valid.\n\n")
	fmt.Fprintf(&sb, "Available fields: %s\n\n", strings.Join(rc.Fields, ", "))
	sb.WriteString(TimeContext(rc.Now))

	user := fmt.Sprintf("URGENT: Fix this Elasticsearch query.\n\nerrorDetails: %s\nuserMess: %s\nprevQuery: %s\n\nReturn only the corrected JSON query.",
		rc.ErrorText, rc.Question, rc.PreviousQuery)

	return Prompt{System: sb.String(), User: user}
}

// BuildResponsePrompt asks the provider to answer the question from the log
// data returned by the executed query.
func BuildResponsePrompt(rc ResponseContext) Prompt {
	var sb strings.Builder
	sb.WriteString("You are a security log analyst. Respond in a formal voice, in the language of the question.\n\n")
	fmt.Fprintf(&sb, "IMPORTANT CONTEXT:\n- Current date: %s\n- Current datetime: %s (timezone %s)\n\n",
		rc.Now.Format(dateLayout), rc.Now.Format(timestampLayout), rc.Now.Format("-07:00"))
	sb.WriteString("DATA INTERPRETATION RULES:\n")
	sb.WriteString("- Start with a direct answer to the question, then supporting details and numbers.\n")
	sb.WriteString("- If aggregations.total_count.value exists, that is the document count.\n")
	sb.WriteString("- If aggregations.total_bytes.value exists, that is the byte total.\n")
	sb.WriteString("- With size 0 and only aggregations, answer from the aggregations.\n")
	sb.WriteString("- If hits.hits is empty and there are no aggregations, say that no data was found. Never invent data.\n")
	sb.WriteString("- Merge log entries that share user, IPs, port, action and rule into one line with a count.\n")
	sb.WriteString("- Include a section \"Lý do chọn các trường\" with 3-6 bullets explaining the field choices.\n")
	sb.WriteString("- Always end with the Elasticsearch query that was used.\n\n")
	fmt.Fprintf(&sb, "logData: %s\n\nquery: %s\n", TruncateToTokenLimit(rc.LogData, MaxResponseDataTokens), rc.Query)

	return Prompt{System: sb.String(), User: rc.Question}
}

// EstimateTokens provides a rough estimate of token count (4 characters ≈ 1 token)
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 4
}

// TruncateToTokenLimit truncates text to fit within token limit
func TruncateToTokenLimit(text string, maxTokens int) string {
	if EstimateTokens(text) <= maxTokens {
		return text
	}

	// Use 90% of the target to account for truncation notice
	targetChars := int(float64(maxTokens) * 4 * 0.9)
	runes := []rune(text)
	if len(runes) > targetChars {
		return string(runes[:targetChars]) + "...\n\n[Log data truncated due to length limits]"
	}
	return text
}
