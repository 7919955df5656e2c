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

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/logquery-assistant/internal/query"
	"github.com/your-org/logquery-assistant/internal/search"
	"github.com/your-org/logquery-assistant/internal/synth"
)

func decodeBody(t *testing.T, body string) map[string]any {
	t.Helper()
	var tree map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &tree))
	return tree
}

func TestRunCountingScenario(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"query":{"bool":{"filter":[{"range":{"@timestamp":{"gte":"now-24h"}}}]}}}`,
	}}
	engine := &fakeEngine{replies: []engineReply{{payload: aggsPayload}}}
	p := newTestPipeline(t, provider, engine, false)

	res := p.Run(context.Background(), Request{SessionID: "s1", Question: "Trong 24 giờ qua có bao nhiêu log bị chặn?"})

	assert.Equal(t, StatusDataFound, res.Status)
	assert.Equal(t, query.CategoryCounting, res.Category)
	assert.Contains(t, res.Rewrites, query.RewriteCountAggregation)
	assert.Contains(t, res.Rewrites, query.RewriteSecurityFilter)
	assert.Equal(t, "s1", res.Identity)
	assert.Nil(t, res.Repair)
	assert.Contains(t, res.Answer, "Tìm thấy dữ liệu")

	searches := engine.searches()
	require.Len(t, searches, 1)
	sent := decodeBody(t, searches[0])
	assert.EqualValues(t, 0, sent["size"])
	count := sent["aggs"].(map[string]any)["total_count"].(map[string]any)
	assert.Contains(t, count, "value_count")
	filter := sent["query"].(map[string]any)["bool"].(map[string]any)["filter"].([]any)
	assert.Contains(t, filter[0].(map[string]any), "term")
}

func TestRunRelocatesNestedAggregations(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"size":0,"query":{"bool":{"must":[{"match_all":{}}],"aggs":{"top_ips":{"terms":{"field":"source.ip"}}}}}}`,
	}}
	engine := &fakeEngine{replies: []engineReply{{payload: aggsPayload}}}
	p := newTestPipeline(t, provider, engine, false)

	res := p.Run(context.Background(), Request{SessionID: "s1", Question: "liệt kê các IP nguồn"})

	require.Equal(t, StatusDataFound, res.Status)
	require.NotNil(t, res.Candidate)
	assert.True(t, res.Candidate.StructureFixed)
	assert.False(t, res.Candidate.WasRepaired)

	sent := decodeBody(t, engine.searches()[0])
	assert.Contains(t, sent, "aggs")
	assert.NotContains(t, sent["query"].(map[string]any)["bool"], "aggs")
}

func TestRunExplicitSizeWins(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"size":0,"query":{"match_all":{}},"aggs":{"ips":{"terms":{"field":"source.ip","size":10}}}}`,
	}}
	engine := &fakeEngine{replies: []engineReply{{payload: aggsPayload}}}
	p := newTestPipeline(t, provider, engine, false)

	res := p.Run(context.Background(), Request{SessionID: "s1", Question: "top 5 IP"})

	require.Equal(t, StatusDataFound, res.Status)
	sent := decodeBody(t, engine.searches()[0])
	assert.EqualValues(t, 5, sent["size"])
}

func TestRunGenerationFailure(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"Có 42 log bị chặn trong 24 giờ qua."}}
	engine := &fakeEngine{}
	p := newTestPipeline(t, provider, engine, false)

	res := p.Run(context.Background(), Request{SessionID: "s1", Question: "liệt kê log"})

	assert.Equal(t, StatusGenerationFailure, res.Status)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, engine.searches())
	assert.Contains(t, res.Answer, "Query Generation Error")
}

func TestRunValidationFailure(t *testing.T) {
	provider := &scriptedProvider{replies: []string{`{"size":"ten","query":{"match_all":{}}}`}}
	engine := &fakeEngine{}
	p := newTestPipeline(t, provider, engine, false)

	res := p.Run(context.Background(), Request{SessionID: "s1", Question: "liệt kê log"})

	assert.Equal(t, StatusValidationFailure, res.Status)
	assert.Equal(t, query.MsgSizeNotNumber, res.Issue)
	assert.Empty(t, engine.searches())
	assert.Contains(t, res.Answer, "Query Validation Error")
}

func TestRunNoData(t *testing.T) {
	provider := &scriptedProvider{replies: []string{`{"query":{"match_all":{}}}`}}
	engine := &fakeEngine{replies: []engineReply{{payload: emptyPayload}}}
	p := newTestPipeline(t, provider, engine, false)

	res := p.Run(context.Background(), Request{SessionID: "s1", Question: "liệt kê log"})

	assert.Equal(t, StatusNoData, res.Status)
	assert.False(t, res.Status.Failed())
	assert.Contains(t, res.Answer, "Không tìm thấy dữ liệu")
	assert.Contains(t, res.Answer, guidanceNoData)
	assert.EqualValues(t, query.DefaultResultSize, decodeBody(t, engine.searches()[0])["size"])
}

func TestRunNonStructuralErrorIsNotRepaired(t *testing.T) {
	provider := &scriptedProvider{replies: []string{`{"query":{"match_all":{}}}`}}
	engine := &fakeEngine{replies: []engineReply{{err: &search.EngineError{
		StatusCode: 404, Type: "index_not_found_exception", Reason: "no such index [logs-test*]",
	}}}}
	p := newTestPipeline(t, provider, engine, false)

	res := p.Run(context.Background(), Request{SessionID: "s1", Question: "liệt kê log"})

	assert.Equal(t, StatusEngineError, res.Status)
	assert.Nil(t, res.Repair)
	assert.Len(t, provider.calls(), 1)
	assert.Len(t, engine.searches(), 1)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, search.ClassIndexNotFound, res.Outcome.Reason)
	assert.Contains(t, res.Answer, "Index not found")
}

func TestRunSelfRepairSucceeds(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"query":{"bogus":{}}}`,
		`{"query":{"match_all":{}},"size":20}`,
	}}
	engine := &fakeEngine{
		replies: []engineReply{{err: parsingError()}, {payload: hitsPayload}},
		fields:  []string{"@timestamp", "source.ip"},
	}
	p := newTestPipeline(t, provider, engine, false)

	res := p.Run(context.Background(), Request{SessionID: "s1", Question: "liệt kê log"})

	assert.Equal(t, StatusDataFound, res.Status)
	require.NotNil(t, res.Repair)
	assert.Equal(t, RepairExecuted, res.Repair.Result)
	assert.Equal(t, search.ClassParsing, res.Repair.Reason)
	assert.JSONEq(t, `{"query":{"match_all":{}},"size":20}`, res.Query)

	calls := provider.calls()
	require.Len(t, calls, 2)
	repairCall := calls[1]

	require.NotNil(t, res.Candidate)
	assert.True(t, res.Candidate.WasRepaired)
	assert.False(t, res.Candidate.StructureFixed)
	assert.Equal(t, repairCall.Identity, res.Candidate.Identity)
	assert.Equal(t, map[string]any{"match_all": map[string]any{}}, res.Candidate.Tree["query"])
	assert.True(t, strings.HasPrefix(repairCall.Identity, RepairIdentityPrefix))
	assert.NotEqual(t, "s1", repairCall.Identity)
	assert.Equal(t, RepairTemperature, repairCall.Temperature)
	assert.Contains(t, repairCall.System, "Available fields: @timestamp, source.ip")
	assert.Contains(t, repairCall.User, "parsing_exception")
	assert.Contains(t, repairCall.User, `"bogus"`)
	assert.Equal(t, []string{repairCall.Identity}, provider.forgot)
	assert.Len(t, engine.searches(), 2)
}

func TestRunSelfRepairUsesCatalogWhenFieldCapsFail(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"query":{"bogus":{}}}`,
		`{"query":{"match_all":{}}}`,
	}}
	engine := &fakeEngine{
		replies:   []engineReply{{err: parsingError()}, {payload: emptyPayload}},
		fieldsErr: errors.New("connection refused"),
	}
	p := newTestPipeline(t, provider, engine, false)

	res := p.Run(context.Background(), Request{SessionID: "s1", Question: "liệt kê log"})

	assert.Equal(t, StatusNoData, res.Status)
	assert.Contains(t, provider.calls()[1].System, "source.user.name")
}

func TestRunSelfRepairNoProgress(t *testing.T) {
	same := `{"query":{"bogus":{}},"size":50}`
	provider := &scriptedProvider{replies: []string{same, same}}
	engine := &fakeEngine{replies: []engineReply{{err: parsingError()}}}
	p := newTestPipeline(t, provider, engine, false)

	res := p.Run(context.Background(), Request{SessionID: "s1", Question: "liệt kê log"})

	assert.Equal(t, StatusNoProgress, res.Status)
	assert.Equal(t, RepairNoProgress, res.Repair.Result)
	assert.Len(t, engine.searches(), 1)
	assert.Contains(t, res.Answer, "Same Query Generated")
	assert.Contains(t, res.Answer, "parsing_exception")
}

func TestRunSelfRepairInvalid(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"query":{"bogus":{}}}`,
		`{"query":{"match_all":{}},"size":"all"}`,
	}}
	engine := &fakeEngine{replies: []engineReply{{err: parsingError()}}}
	p := newTestPipeline(t, provider, engine, false)

	res := p.Run(context.Background(), Request{SessionID: "s1", Question: "liệt kê log"})

	assert.Equal(t, StatusValidationFailure, res.Status)
	assert.Equal(t, RepairInvalid, res.Repair.Result)
	assert.Len(t, engine.searches(), 1)
	assert.Contains(t, res.Answer, "Invalid Retry Query")
}

func TestRunSelfRepairRunsAtMostOnce(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"query":{"bogus":{}}}`,
		`{"query":{"still_bogus":{}}}`,
		`{"query":{"match_all":{}}}`,
	}}
	engine := &fakeEngine{replies: []engineReply{{err: parsingError()}, {err: parsingError()}, {payload: hitsPayload}}}
	p := newTestPipeline(t, provider, engine, false)

	res := p.Run(context.Background(), Request{SessionID: "s1", Question: "liệt kê log"})

	assert.Equal(t, StatusEngineError, res.Status)
	assert.Equal(t, RepairExecuted, res.Repair.Result)
	assert.Len(t, provider.calls(), 2)
	assert.Len(t, engine.searches(), 2)
	assert.Contains(t, res.Answer, "After Retry")
}

func TestRunSelfRepairGenerationFailure(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"query":{"bogus":{}}}`,
		"Xin lỗi, tôi không thể sửa truy vấn này.",
	}}
	engine := &fakeEngine{replies: []engineReply{{err: parsingError()}}}
	p := newTestPipeline(t, provider, engine, false)

	res := p.Run(context.Background(), Request{SessionID: "s1", Question: "liệt kê log"})

	assert.Equal(t, StatusEngineError, res.Status)
	assert.Equal(t, RepairGenerationFailed, res.Repair.Result)
	assert.Contains(t, res.Answer, "AI Response Parsing Error")
}

func TestRunComposesResponse(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"query":{"match_all":{}}}`,
		"  Có 2 log bị chặn.  ",
	}}
	engine := &fakeEngine{replies: []engineReply{{payload: hitsPayload}}}
	p := newTestPipeline(t, provider, engine, true)

	res := p.Run(context.Background(), Request{SessionID: "s1", Identity: "s1_openai", Question: "liệt kê log bị chặn"})

	assert.Equal(t, StatusDataFound, res.Status)
	assert.Equal(t, "Có 2 log bị chặn.", res.Answer)

	calls := provider.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "s1_openai", calls[1].Identity)
	assert.Equal(t, ResponseTemperature, calls[1].Temperature)
	assert.Contains(t, calls[1].System, "logData:")
}

func TestRunComposesWithSeparateResponder(t *testing.T) {
	generator := &scriptedProvider{replies: []string{`{"query":{"match_all":{}}}`}}
	responder := &scriptedProvider{id: "openrouter", replies: []string{"Có 2 log."}}
	engine := &fakeEngine{replies: []engineReply{{payload: hitsPayload}}}
	logger := zaptest.NewLogger(t)
	p, err := New(Dependencies{
		Synthesizer:     synth.NewSynthesizer(generator, logger),
		Responder:       synth.NewSynthesizer(responder, logger),
		Executor:        search.NewExecutor(engine, "logs-test*", logger),
		ComposeResponse: true,
	}, logger)
	require.NoError(t, err)

	res := p.Run(context.Background(), Request{SessionID: "s1", Question: "liệt kê log"})

	assert.Equal(t, "openai", res.ProviderID)
	assert.Equal(t, "openrouter", p.ResponderID())
	assert.Equal(t, "Có 2 log.", res.Answer)
	assert.Len(t, generator.calls(), 1)
	require.Len(t, responder.calls(), 1)
	assert.Contains(t, responder.calls()[0].System, "logData:")
}

func TestRunComposeFailureFallsBackToDescription(t *testing.T) {
	provider := &scriptedProvider{replies: []string{`{"query":{"match_all":{}}}`}}
	engine := &fakeEngine{replies: []engineReply{{payload: hitsPayload}}}
	p := newTestPipeline(t, provider, engine, true)

	res := p.Run(context.Background(), Request{SessionID: "s1", Question: "liệt kê log"})

	assert.Equal(t, StatusDataFound, res.Status)
	assert.Contains(t, res.Answer, "Tìm thấy dữ liệu")
}

func TestRunNormalizesAdministrator(t *testing.T) {
	provider := &scriptedProvider{replies: []string{`{"query":{"match_all":{}}}`}}
	engine := &fakeEngine{replies: []engineReply{{payload: hitsPayload}}}
	p := newTestPipeline(t, provider, engine, false)

	res := p.Run(context.Background(), Request{SessionID: "s1", Question: "log đăng nhập của admin"})

	assert.Equal(t, "log đăng nhập của Administrator", res.Question)
	assert.Equal(t, "USER QUERY: log đăng nhập của Administrator", provider.calls()[0].User)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Dependencies{}, nil)
	assert.Error(t, err)
}
