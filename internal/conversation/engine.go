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

// Package conversation scores the earlier turns of a session against the
// current question and renders the relevant ones as prompt context.
package conversation

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/your-org/logquery-assistant/internal/classifier"
	"github.com/your-org/logquery-assistant/internal/history"
)

// Intent is the coarse purpose of a question
type Intent string

// Detected intents, in rule order
const (
	IntentTimeAnalysis     Intent = "TIME_ANALYSIS"
	IntentUserAnalysis     Intent = "USER_ANALYSIS"
	IntentSecurityAnalysis Intent = "SECURITY_ANALYSIS"
	IntentTrafficAnalysis  Intent = "TRAFFIC_ANALYSIS"
	IntentCounting         Intent = "COUNTING"
	IntentGeneral          Intent = "GENERAL"
)

// Scoring parameters
const (
	KeywordWeight  = 0.4
	IntentWeight   = 0.4
	EntityWeight   = 0.2
	RelevanceFloor = 0.3
	MaxMessages    = 5
	// CandidateTurns is how many recent user turns get scored
	CandidateTurns = MaxMessages * 2
	summaryExcerpt = 100
)

// Attribute keys set on RequestIntent
const (
	AttrTimeUnit = "time_unit"
	AttrEntities = "entities"
)

var intentTable = classifier.NewTable(IntentGeneral,
	classifier.Rule[Intent]{Label: IntentTimeAnalysis, Match: classifier.Pattern(classifier.WordStart + `(phút|giờ|ngày|tuần|tháng)\s+(qua|trước|gần đây)`)},
	classifier.Rule[Intent]{Label: IntentUserAnalysis, Match: classifier.Pattern(classifier.WordStart + `(user|người dùng|tài khoản)\s+`)},
	classifier.Rule[Intent]{Label: IntentSecurityAnalysis, Match: classifier.Pattern(classifier.WordStart + `(chặn|blocked|denied|security|bảo mật)`)},
	classifier.Rule[Intent]{Label: IntentTrafficAnalysis, Match: classifier.Pattern(classifier.WordStart + `(traffic|lưu lượng|bytes|packets|kết nối)`)},
	classifier.Rule[Intent]{Label: IntentCounting, Match: classifier.Pattern(classifier.WordStart + `(tổng|đếm|bao nhiêu|số lượng|count)`)},
)

var timeUnits = []struct {
	word string
	unit string
}{
	{"tháng", "months"},
	{"tuần", "weeks"},
	{"ngày", "days"},
	{"giờ", "hours"},
	{"phút", "minutes"},
}

var entityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
	regexp.MustCompile(`\buser[._-]?\w+\b`),
	regexp.MustCompile(`\b\d+\s+(?:phút|giờ|ngày|tuần|tháng)`),
}

var stopWords = map[string]struct{}{
	"của": {}, "với": {}, "trong": {}, "và": {}, "có": {}, "là": {}, "được": {},
	"từ": {}, "đến": {}, "này": {}, "đó": {}, "the": {}, "and": {}, "or": {}, "in": {}, "on": {},
}

// RequestIntent is the detected intent with extracted attributes
type RequestIntent struct {
	Type       Intent            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// ContextMessage is an earlier user turn with its relevance to the question
type ContextMessage struct {
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	RelevanceScore float64   `json:"relevance_score"`
}

// Context is the scored conversation context for one question
type Context struct {
	Intent   RequestIntent    `json:"intent"`
	Messages []ContextMessage `json:"messages"`
	Entities []string         `json:"entities"`
	Summary  string           `json:"summary"`
}

// Engine builds conversation context from a history store. It only reads
// from the store.
type Engine struct {
	store  history.Store
	logger *zap.Logger
}

// NewEngine creates an engine reading from store
func NewEngine(store history.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, logger: logger}
}

// Build scores the session's earlier user turns against question. A store
// failure degrades to a GENERAL context with no messages.
func (e *Engine) Build(ctx context.Context, question, sessionID string) Context {
	intent := DetectIntent(question)
	if e.store == nil || sessionID == "" {
		return Context{Intent: intent}
	}

	turns, err := e.store.Recent(ctx, sessionID, 0)
	if err != nil {
		e.logger.Warn("Falling back to empty conversation context",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return Fallback()
	}

	messages := Relevant(question, intent.Type, turns)
	entities := collectEntities(messages)
	c := Context{
		Intent:   intent,
		Messages: messages,
		Entities: entities,
		Summary:  render(messages, entities, intent.Type),
	}

	e.logger.Debug("Conversation context built",
		zap.String("session_id", sessionID),
		zap.String("intent", string(intent.Type)),
		zap.Int("turns", len(turns)),
		zap.Int("relevant", len(messages)))
	return c
}

// Fallback is the degraded context used when history cannot be read
func Fallback() Context {
	return Context{Intent: RequestIntent{Type: IntentGeneral, Attributes: map[string]string{}}}
}

// DetectIntent classifies a question and extracts its attributes
func DetectIntent(text string) RequestIntent {
	lowered := strings.ToLower(text)
	intent := RequestIntent{Type: intentTable.Classify(lowered), Attributes: map[string]string{}}

	if intent.Type == IntentTimeAnalysis {
		for _, tu := range timeUnits {
			if strings.Contains(lowered, tu.word) {
				intent.Attributes[AttrTimeUnit] = tu.unit
				break
			}
		}
	}
	if entities := ExtractEntities(lowered); len(entities) > 0 {
		intent.Attributes[AttrEntities] = strings.Join(entities, ",")
	}
	return intent
}

// Relevant scores eligible user turns and returns the most relevant ones.
// Turns without content or timestamp are skipped.
func Relevant(question string, intent Intent, turns []history.Turn) []ContextMessage {
	var eligible []history.Turn
	for _, turn := range history.UserTurns(turns) {
		if strings.TrimSpace(turn.Content) == "" || turn.Timestamp.IsZero() {
			continue
		}
		eligible = append(eligible, turn)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Timestamp.After(eligible[j].Timestamp)
	})
	if len(eligible) > CandidateTurns {
		eligible = eligible[:CandidateTurns]
	}

	var messages []ContextMessage
	for _, turn := range eligible {
		score := Score(question, turn.Content, intent)
		if score > RelevanceFloor {
			messages = append(messages, ContextMessage{
				Content:        turn.Content,
				Timestamp:      turn.Timestamp,
				RelevanceScore: score,
			})
		}
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].RelevanceScore > messages[j].RelevanceScore
	})
	if len(messages) > MaxMessages {
		messages = messages[:MaxMessages]
	}
	return messages
}

// Score computes the relevance of an earlier turn to the current question
func Score(current, past string, intent Intent) float64 {
	score := 0.0

	currentKeywords := keywordSet(current)
	pastKeywords := keywordSet(past)
	if len(currentKeywords) > 0 {
		score += overlap(currentKeywords, pastKeywords) * KeywordWeight
	}

	if DetectIntent(past).Type == intent {
		score += IntentWeight
	}

	currentEntities := toSet(ExtractEntities(strings.ToLower(current)))
	if len(currentEntities) > 0 {
		pastEntities := toSet(ExtractEntities(strings.ToLower(past)))
		score += overlap(currentEntities, pastEntities) * EntityWeight
	}

	if score > 1 {
		score = 1
	}
	return score
}

// ExtractEntities returns IP literals, user names and time expressions
// found in lowercased text, sorted and deduplicated.
func ExtractEntities(text string) []string {
	seen := make(map[string]struct{})
	for _, re := range entityPatterns {
		for _, match := range re.FindAllString(text, -1) {
			seen[match] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func collectEntities(messages []ContextMessage) []string {
	seen := make(map[string]struct{})
	for _, msg := range messages {
		for _, entity := range ExtractEntities(strings.ToLower(msg.Content)) {
			seen[entity] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func render(messages []ContextMessage, entities []string, intent Intent) string {
	if len(messages) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("PREVIOUS CONVERSATION CONTEXT:\n")
	for _, msg := range messages {
		fmt.Fprintf(&sb, "- User asked: %q (relevance: %.2f)\n", excerpt(msg.Content, summaryExcerpt), msg.RelevanceScore)
	}
	if len(entities) > 0 {
		fmt.Fprintf(&sb, "\nRELEVANT ENTITIES FROM CONTEXT: %s\n", strings.Join(entities, ", "))
	}
	fmt.Fprintf(&sb, "\nCURRENT INTENT: %s\n", intent)
	sb.WriteString("Use this context to better understand the current question.\n")
	return sb.String()
}

func excerpt(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func keywordSet(text string) map[string]struct{} {
	return toSet(classifier.Tokenize(strings.ToLower(text), stopWords))
}

func overlap(current, past map[string]struct{}) float64 {
	shared := 0
	for k := range current {
		if _, ok := past[k]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(current))
}

func toSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
