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

package conversation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/logquery-assistant/internal/history"
)

type failingStore struct {
	history.Store
}

func (failingStore) Recent(context.Context, string, int) ([]history.Turn, error) {
	return nil, errors.New("connection refused")
}

func TestDetectIntent(t *testing.T) {
	testCases := []struct {
		text     string
		expected Intent
		unit     string
	}{
		{"Trong 24 giờ qua có bao nhiêu log bị chặn?", IntentTimeAnalysis, "hours"},
		{"log trong 5 phút trước", IntentTimeAnalysis, "minutes"},
		{"Người dùng admin đăng nhập mấy lần", IntentUserAnalysis, ""},
		{"Các IP bị chặn nhiều nhất", IntentSecurityAnalysis, ""},
		{"lưu lượng lớn nhất", IntentTrafficAnalysis, ""},
		{"đếm số sự kiện", IntentCounting, ""},
		{"xin chào", IntentGeneral, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.text, func(t *testing.T) {
			intent := DetectIntent(tc.text)
			assert.Equal(t, tc.expected, intent.Type)
			assert.Equal(t, tc.unit, intent.Attributes[AttrTimeUnit])
		})
	}
}

func TestExtractEntities(t *testing.T) {
	entities := ExtractEntities("user_admin từ 192.168.1.10 trong 24 giờ và 192.168.1.10")
	assert.Equal(t, []string{"192.168.1.10", "24 giờ", "user_admin"}, entities)
}

func TestBuildScoresRelevantTurns(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore(50)
	base := time.Date(2025, 9, 15, 8, 0, 0, 0, time.UTC)
	turns := []history.Turn{
		{Role: history.RoleUser, Content: "Log bị chặn từ 10.0.0.5 trong 24 giờ qua", Timestamp: base},
		{Role: history.RoleUser, Content: "thời tiết hôm nay", Timestamp: base.Add(time.Minute)},
		{Role: history.RoleAssistant, Content: "Log bị chặn từ 10.0.0.5 trong 24 giờ qua", Timestamp: base.Add(2 * time.Minute)},
		{Role: history.RoleUser, Content: "Log bị chặn từ 10.0.0.5 trong 24 giờ qua"},
		{Role: history.RoleUser, Content: "Người dùng admin đăng nhập trong 1 giờ qua", Timestamp: base.Add(3 * time.Minute)},
	}
	for _, turn := range turns {
		require.NoError(t, store.Append(ctx, "42", turn))
	}

	engine := NewEngine(store, zaptest.NewLogger(t))
	result := engine.Build(ctx, "Có bao nhiêu log bị chặn từ 10.0.0.5 trong 24 giờ qua", "42")

	assert.Equal(t, IntentTimeAnalysis, result.Intent.Type)
	assert.Equal(t, "hours", result.Intent.Attributes[AttrTimeUnit])
	assert.Equal(t, "10.0.0.5,24 giờ", result.Intent.Attributes[AttrEntities])

	require.Len(t, result.Messages, 2)
	assert.Equal(t, turns[0].Content, result.Messages[0].Content)
	assert.InDelta(t, 5.0/7.0*KeywordWeight+IntentWeight+EntityWeight, result.Messages[0].RelevanceScore, 1e-9)
	assert.Equal(t, turns[4].Content, result.Messages[1].Content)
	for _, msg := range result.Messages {
		assert.GreaterOrEqual(t, msg.RelevanceScore, 0.0)
		assert.LessOrEqual(t, msg.RelevanceScore, 1.0)
	}

	assert.Contains(t, result.Summary, "CURRENT INTENT: TIME_ANALYSIS")
	assert.Contains(t, result.Summary, "10.0.0.5")
	assert.Contains(t, result.Entities, "1 giờ")
}

func TestBuildKeepsFiveOfTenMostRecent(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore(50)
	base := time.Date(2025, 9, 15, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		require.NoError(t, store.Append(ctx, "s", history.Turn{
			Role:      history.RoleUser,
			Content:   fmt.Sprintf("IP bị chặn lần %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	result := NewEngine(store, nil).Build(ctx, "IP bị chặn", "s")
	require.Len(t, result.Messages, MaxMessages)
	assert.True(t, result.Messages[0].Timestamp.Equal(base.Add(11*time.Minute)))
	assert.True(t, result.Messages[4].Timestamp.Equal(base.Add(7*time.Minute)))
}

func TestBuildFallsBackOnStoreError(t *testing.T) {
	engine := NewEngine(failingStore{}, zaptest.NewLogger(t))
	result := engine.Build(context.Background(), "Trong 24 giờ qua có bao nhiêu log bị chặn?", "42")

	assert.Equal(t, IntentGeneral, result.Intent.Type)
	assert.Empty(t, result.Messages)
	assert.Empty(t, result.Summary)
}

func TestBuildWithoutHistory(t *testing.T) {
	result := NewEngine(history.NewMemoryStore(10), nil).Build(context.Background(), "đếm log", "new-session")
	assert.Equal(t, IntentCounting, result.Intent.Type)
	assert.Empty(t, result.Messages)
	assert.Empty(t, result.Summary)
}
