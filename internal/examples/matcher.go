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

package examples

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/your-org/logquery-assistant/internal/classifier"
)

// Scoring weights
const (
	ExactMatchWeight    = 3.0
	SemanticMatchWeight = 2.0
	PartialMatchWeight  = 1.0
	TimeContextBonus    = 2.0
	IntentMatchBonus    = 1.5

	// DiversityThreshold is the highest keyword Jaccard similarity allowed
	// between two returned examples
	DiversityThreshold = 0.7
	// CandidatePool is how many top-scored examples enter the diversity filter
	CandidatePool = 10
	// DefaultCap is the default number of examples returned
	DefaultCap = 5
	// MaxCap bounds the configurable cap
	MaxCap = 10
)

// Domain labels
const (
	DomainSecurity     = "security"
	DomainNetwork      = "network"
	DomainUserActivity = "user_activity"
	DomainPerformance  = "performance"
	DomainGeneral      = "general"
)

// Intent labels
const (
	IntentCounting = "counting"
	IntentRanking  = "ranking"
	IntentSearch   = "search"
	IntentAnalysis = "analysis"
	IntentGeneral  = "general"
)

var domainWeights = map[string]float64{
	DomainSecurity:     1.5,
	DomainNetwork:      1.3,
	DomainUserActivity: 1.2,
	DomainPerformance:  1.1,
	DomainGeneral:      1.0,
}

var synonyms = map[string][]string{
	"tìm":       {"tìm kiếm", "search", "find", "tra cứu", "lookup", "liệt kê"},
	"chặn":      {"block", "deny", "cấm", "ngăn chặn", "từ chối"},
	"nhiều":     {"most", "max", "cao nhất", "lớn nhất", "top"},
	"ip":        {"địa chỉ ip", "source.ip", "destination.ip", "client"},
	"user":      {"người dùng", "tài khoản", "account", "username"},
	"thời gian": {"time", "timestamp", "giờ", "ngày", "now", "khi nào"},
	"lưu lượng": {"traffic", "băng thông", "bandwidth", "bytes", "packets"},
	"bảo mật":   {"security", "firewall", "attack", "threat", "tấn công", "hiểm họa"},
}

var stopWords = map[string]struct{}{
	"là": {}, "của": {}, "và": {}, "các": {}, "có": {}, "trong": {}, "để": {},
	"thì": {}, "khi": {}, "ở": {}, "tại": {}, "cho": {},
	"the": {}, "and": {}, "for": {}, "with": {},
}

var timeKeywords = []string{
	"giờ", "ngày", "tuần", "tháng", "phút", "giây",
	"hour", "day", "week", "month", "minute", "second",
	"now", "past", "recent", "latest", "hôm nay", "hôm qua",
}

var domainTable = classifier.NewTable(DomainGeneral,
	classifier.Rule[string]{Label: DomainSecurity, Match: classifier.ContainsAny("chặn", "deny", "tấn công", "bảo mật")},
	classifier.Rule[string]{Label: DomainNetwork, Match: classifier.ContainsAny("lưu lượng", "băng thông", "mạng", "network")},
	classifier.Rule[string]{Label: DomainUserActivity, Match: classifier.ContainsAny("user", "người dùng", "đăng nhập")},
	classifier.Rule[string]{Label: DomainPerformance, Match: classifier.ContainsAny("hiệu suất", "chậm", "nhanh")},
)

var intentTable = classifier.NewTable(IntentGeneral,
	classifier.Rule[string]{Label: IntentCounting, Match: classifier.ContainsAny("đếm", "bao nhiêu", "số lượng")},
	classifier.Rule[string]{Label: IntentRanking, Match: classifier.ContainsAny("top", "nhiều nhất", "cao nhất")},
	classifier.Rule[string]{Label: IntentSearch, Match: classifier.ContainsAny("tìm", "liệt kê", "hiển thị")},
	classifier.Rule[string]{Label: IntentAnalysis, Match: classifier.ContainsAny("phân tích", "so sánh", "xu hướng")},
)

// Match is a scored example
type Match struct {
	Example       Example
	SemanticScore float64
	ContextScore  float64
	DomainScore   float64
	TotalScore    float64
}

// Analysis is the keyword, domain and intent breakdown of a question
type Analysis struct {
	PrimaryKeywords  []string
	SemanticKeywords []string
	Domain           string
	Intent           string
	HasTimeContext   bool
}

// Matcher ranks library examples against questions. It holds no per-request
// state and is safe for concurrent use.
type Matcher struct {
	library *Library
	cap     int
	logger  *zap.Logger
}

// NewMatcher creates a matcher over library returning at most limit examples.
// A non-positive limit uses DefaultCap; limits above MaxCap are clamped.
func NewMatcher(library *Library, limit int, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = DefaultCap
	}
	if limit > MaxCap {
		limit = MaxCap
	}
	return &Matcher{library: library, cap: limit, logger: logger}
}

// Library returns the library the matcher ranks
func (m *Matcher) Library() *Library {
	return m.library
}

// FindRelevant returns up to the configured cap of diverse examples ranked by
// relevance to question. An empty library yields an empty result.
func (m *Matcher) FindRelevant(question string) []Match {
	if m.library.Len() == 0 {
		return nil
	}

	analysis := Analyze(question)
	scored := make([]Match, 0, m.library.Len())
	for _, ex := range m.library.examples {
		match := score(analysis, ex)
		if match.TotalScore > 0 {
			scored = append(scored, match)
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].TotalScore > scored[j].TotalScore
	})
	if len(scored) > CandidatePool {
		scored = scored[:CandidatePool]
	}

	selected := diversify(scored, m.cap)
	m.logger.Debug("Ranked examples",
		zap.String("domain", analysis.Domain),
		zap.String("intent", analysis.Intent),
		zap.Int("scored", len(scored)),
		zap.Int("selected", len(selected)))
	return selected
}

// Analyze extracts keywords, domain and intent from a question
func Analyze(question string) Analysis {
	lowered := strings.ToLower(question)
	primary := classifier.Tokenize(lowered, stopWords)

	seen := make(map[string]struct{})
	var semantic []string
	add := func(words ...string) {
		for _, w := range words {
			if _, ok := seen[w]; !ok {
				seen[w] = struct{}{}
				semantic = append(semantic, w)
			}
		}
	}
	for _, keyword := range primary {
		add(keyword)
		for key, group := range synonyms {
			if key == keyword || contains(group, keyword) {
				add(key)
				add(group...)
			}
		}
	}
	sort.Strings(semantic)

	return Analysis{
		PrimaryKeywords:  primary,
		SemanticKeywords: semantic,
		Domain:           domainTable.Classify(lowered),
		Intent:           intentTable.Classify(lowered),
		HasTimeContext:   containsAnyOf(lowered, timeKeywords),
	}
}

func score(analysis Analysis, ex Example) Match {
	m := Match{Example: ex}

	for _, keyword := range ex.Keywords {
		kw := strings.ToLower(strings.TrimSpace(keyword))
		switch {
		case kw == "":
		case contains(analysis.PrimaryKeywords, kw):
			m.SemanticScore += ExactMatchWeight
		case overlapsAny(analysis.SemanticKeywords, kw):
			m.SemanticScore += SemanticMatchWeight
		case overlapsAny(analysis.PrimaryKeywords, kw):
			m.SemanticScore += PartialMatchWeight
		}
	}

	exampleQuestion := strings.ToLower(ex.Question)
	if analysis.HasTimeContext {
		for _, keyword := range ex.Keywords {
			if containsAnyOf(strings.ToLower(keyword), timeKeywords) {
				m.ContextScore += TimeContextBonus
				break
			}
		}
	}
	if intentTable.Classify(exampleQuestion) == analysis.Intent {
		m.ContextScore += IntentMatchBonus
	}

	if domainTable.Classify(exampleQuestion) == analysis.Domain {
		m.DomainScore = domainWeights[analysis.Domain]
	}

	m.TotalScore = m.SemanticScore + m.ContextScore + m.DomainScore
	return m
}

// diversify greedily keeps matches whose keyword sets are not near
// duplicates of anything already kept.
func diversify(ranked []Match, limit int) []Match {
	selected := make([]Match, 0, limit)
	for _, candidate := range ranked {
		if len(selected) >= limit {
			break
		}
		diverse := true
		for _, kept := range selected {
			if Jaccard(candidate.Example.Keywords, kept.Example.Keywords) > DiversityThreshold {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, candidate)
		}
	}
	return selected
}

// Jaccard returns the case-insensitive Jaccard similarity of two keyword sets
func Jaccard(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	union := len(setA)
	intersection := 0
	for k := range setB {
		if _, ok := setA[k]; ok {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// Render formats matches as question/query pairs for a prompt
func Render(matches []Match) string {
	if len(matches) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, match := range matches {
		fmt.Fprintf(&sb, "Example %d\nQuestion: %s\nQuery: %s\n", i+1, match.Example.Question, strings.TrimSpace(string(match.Example.Query)))
		if i < len(matches)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func toSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[strings.ToLower(w)] = struct{}{}
	}
	return set
}

func contains(words []string, target string) bool {
	for _, w := range words {
		if w == target {
			return true
		}
	}
	return false
}

func overlapsAny(words []string, target string) bool {
	for _, w := range words {
		if strings.Contains(target, w) || strings.Contains(w, target) {
			return true
		}
	}
	return false
}

func containsAnyOf(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
