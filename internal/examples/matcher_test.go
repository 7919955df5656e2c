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
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func example(question string, keywords ...string) Example {
	return Example{
		Question: question,
		Keywords: keywords,
		Query:    json.RawMessage(`{"query":{"match_all":{}}}`),
	}
}

func TestFindRelevantEmptyLibrary(t *testing.T) {
	matcher := NewMatcher(NewLibrary(nil), 5, zaptest.NewLogger(t))
	assert.Empty(t, matcher.FindRelevant("top 5 IP bị chặn"))

	var nilLibrary *Library
	assert.Empty(t, NewMatcher(nilLibrary, 5, nil).FindRelevant("anything"))
}

func TestFindRelevantScoring(t *testing.T) {
	blocked := example("Top IP bị chặn nhiều nhất", "chặn", "top", "ip")
	login := example("Liệt kê đăng nhập thất bại", "login", "failed")
	matcher := NewMatcher(NewLibrary([]Example{login, blocked}), 5, zaptest.NewLogger(t))

	matches := matcher.FindRelevant("Top 5 IP bị chặn nhiều nhất")
	require.Len(t, matches, 1)

	match := matches[0]
	assert.Equal(t, blocked.Question, match.Example.Question)
	assert.InDelta(t, 6.0, match.SemanticScore, 1e-9)
	assert.InDelta(t, IntentMatchBonus, match.ContextScore, 1e-9)
	assert.InDelta(t, 1.5, match.DomainScore, 1e-9)
	assert.InDelta(t, 9.0, match.TotalScore, 1e-9)
}

func TestFindRelevantTimeContext(t *testing.T) {
	withTime := example("Số log trong 24 giờ", "log", "giờ")
	withoutTime := example("Số log", "log")
	matcher := NewMatcher(NewLibrary([]Example{withoutTime, withTime}), 5, nil)

	matches := matcher.FindRelevant("log trong 24 giờ qua")
	require.Len(t, matches, 2)
	assert.Equal(t, withTime.Question, matches[0].Example.Question)
	assert.InDelta(t, TimeContextBonus+IntentMatchBonus, matches[0].ContextScore, 1e-9)
}

func TestSemanticExpansion(t *testing.T) {
	analysis := Analyze("tìm firewall events")
	assert.Contains(t, analysis.SemanticKeywords, "search")
	assert.Contains(t, analysis.SemanticKeywords, "bảo mật")
	assert.Equal(t, IntentSearch, analysis.Intent)

	semantic := score(analysis, example("q", "search"))
	assert.InDelta(t, SemanticMatchWeight, semantic.SemanticScore, 1e-9)

	// primary keywords are part of the semantic set, so substring hits land here
	substring := score(analysis, example("q", "events.count"))
	assert.InDelta(t, SemanticMatchWeight, substring.SemanticScore, 1e-9)

	exact := score(analysis, example("q", "FIREWALL"))
	assert.InDelta(t, ExactMatchWeight, exact.SemanticScore, 1e-9)
}

func TestFindRelevantDiversityFilter(t *testing.T) {
	library := NewLibrary([]Example{
		example("Top IP bị chặn", "chặn", "top"),
		example("Top IP bị chặn hôm nay", "chặn", "top"),
		example("IP bị chặn bởi firewall", "chặn", "deny", "block", "firewall"),
	})
	matcher := NewMatcher(library, 5, zaptest.NewLogger(t))

	matches := matcher.FindRelevant("top ip bị chặn")
	require.Len(t, matches, 2)
	assert.Equal(t, "Top IP bị chặn", matches[0].Example.Question)
	assert.Equal(t, "IP bị chặn bởi firewall", matches[1].Example.Question)
}

func TestFindRelevantCap(t *testing.T) {
	var items []Example
	for i := 0; i < 20; i++ {
		items = append(items, example(fmt.Sprintf("log bị chặn %d", i), "chặn", fmt.Sprintf("kw%d", i)))
	}
	library := NewLibrary(items)

	assert.Len(t, NewMatcher(library, 3, nil).FindRelevant("log bị chặn"), 3)
	assert.Len(t, NewMatcher(library, 0, nil).FindRelevant("log bị chặn"), DefaultCap)
	assert.Len(t, NewMatcher(library, 50, nil).FindRelevant("log bị chặn"), MaxCap)
}

func TestFindRelevantStableOrder(t *testing.T) {
	first := example("IP bị chặn A", "chặn", "alpha")
	second := example("IP bị chặn B", "chặn", "beta")
	matcher := NewMatcher(NewLibrary([]Example{first, second}), 5, nil)

	matches := matcher.FindRelevant("chặn")
	require.Len(t, matches, 2)
	assert.Equal(t, matches[0].TotalScore, matches[1].TotalScore)
	assert.Equal(t, first.Question, matches[0].Example.Question)
}

func TestDiversityBoundHoldsForRandomLibraries(t *testing.T) {
	vocab := []string{"chặn", "top", "ip", "user", "giờ", "bytes", "deny", "login", "traffic", "port"}
	questions := []string{"top ip bị chặn", "user đăng nhập trong 24 giờ", "lưu lượng bytes nhiều nhất", "đếm số log"}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		var items []Example
		for i := 0; i < 5+rng.Intn(25); i++ {
			var kws []string
			for j := 0; j < 1+rng.Intn(4); j++ {
				kws = append(kws, vocab[rng.Intn(len(vocab))])
			}
			items = append(items, example(questions[rng.Intn(len(questions))], kws...))
		}
		matcher := NewMatcher(NewLibrary(items), 1+rng.Intn(MaxCap), nil)
		matches := matcher.FindRelevant(questions[rng.Intn(len(questions))])

		assert.LessOrEqual(t, len(matches), matcher.cap)
		for i := range matches {
			for j := i + 1; j < len(matches); j++ {
				sim := Jaccard(matches[i].Example.Keywords, matches[j].Example.Keywords)
				require.LessOrEqualf(t, sim, DiversityThreshold, "round %d: %v vs %v", round,
					matches[i].Example.Keywords, matches[j].Example.Keywords)
			}
		}
	}
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, Jaccard([]string{"a", "B"}, []string{"b", "a"}), 1e-9)
	assert.InDelta(t, 0.2, Jaccard([]string{"a", "b"}, []string{"a", "c", "d", "e"}), 1e-9)
	assert.Equal(t, 0.0, Jaccard(nil, nil))
}

func TestRender(t *testing.T) {
	assert.Empty(t, Render(nil))

	rendered := Render([]Match{{Example: example("Top IP", "top")}})
	assert.Contains(t, rendered, "Question: Top IP")
	assert.Contains(t, rendered, `Query: {"query":{"match_all":{}}}`)
}
