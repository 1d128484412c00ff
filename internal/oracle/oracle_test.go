package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/config"
	"github.com/xkilldash9x/formmapper/internal/mocks"
)

func node(tag string, attrs map[string]string, visible bool) *schemas.Node {
	n := &schemas.Node{Tag: tag, Attributes: attrs, Visible: visible, Interactive: true}
	if id := attrs["id"]; id != "" {
		n.Locator = "//*[@id='" + id + "']"
	}
	return n
}

func formSnapshot(children ...*schemas.Node) *schemas.Snapshot {
	return &schemas.Snapshot{
		URL:  "https://forms.test/apply",
		Root: &schemas.Node{Tag: "form", Visible: true, Locator: "/form", Children: children},
	}
}

func newTestOracle(t *testing.T, client schemas.LLMClient, opts ...LLMOption) *LLMOracle {
	t.Helper()
	cfg := config.NewDefaultConfig().Oracle()
	cfg.RequestsPerMinute = 0
	o, err := NewLLMOracle(zaptest.NewLogger(t), client, cfg, append([]LLMOption{WithTokenCounter(ApproxCounter{})}, opts...)...)
	require.NoError(t, err)
	return o
}

func TestInterpret_ParsesValidatedResponse(t *testing.T) {
	client := new(mocks.MockLLMClient)
	client.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return req.Tier == schemas.TierPowerful &&
			req.Options.ForceJSONFormat &&
			strings.Contains(req.UserPrompt, "//*[@id='email']") &&
			strings.Contains(req.UserPrompt, "Branch being explored")
	})).Return("```json\n"+`{
		"fields": [{"name": "email", "locator": "//*[@id='email']", "actionType": "enter-text"}],
		"nextActions": [{"field": "email", "value": "a@b.test"}],
		"branchOptions": [{"name": "plan", "options": ["basic", "pro"]}],
		"complete": false
	}`+"\n```", nil).Once()

	o := newTestOracle(t, client)
	req := schemas.OracleRequest{
		Snapshot:      formSnapshot(node("input", map[string]string{"id": "email", "name": "email"}, true)),
		BranchContext: &schemas.BranchContext{Depth: 1, Path: []schemas.BranchChoice{{Control: "plan", Option: "pro"}}},
	}

	out, err := o.Interpret(context.Background(), req)

	require.NoError(t, err)
	require.Len(t, out.Fields, 1)
	assert.Equal(t, schemas.ActionEnterText, out.Fields[0].ActionType)
	assert.Equal(t, "a@b.test", out.NextActions[0].Value)
	assert.Equal(t, []string{"basic", "pro"}, out.BranchOptions[0].Options)
	client.AssertExpectations(t)
}

func TestInterpret_InvalidResponses(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"not json", "I could not find a form."},
		{"truncated", `{"fields": [`},
		{"missing complete", `{"fields": []}`},
		{"unknown action", `{"fields": [{"name": "x", "actionType": "teleport"}], "complete": true}`},
		{"empty field name", `{"fields": [{"name": "", "actionType": "click"}], "complete": true}`},
		{"action without target", `{"fields": [], "nextActions": [{"value": "x"}], "complete": false}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := new(mocks.MockLLMClient)
			client.On("Generate", mock.Anything, mock.Anything).Return(tt.response, nil)

			_, err := newTestOracle(t, client).Interpret(context.Background(), schemas.OracleRequest{Snapshot: formSnapshot()})

			assert.ErrorIs(t, err, schemas.ErrInvalidResponse)
		})
	}
}

func TestInterpret_TimeoutIsReported(t *testing.T) {
	client := new(mocks.MockLLMClient)
	client.On("Generate", mock.Anything, mock.Anything).Return("", context.DeadlineExceeded)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()
	_, err := newTestOracle(t, client).Interpret(ctx, schemas.OracleRequest{Snapshot: formSnapshot()})

	assert.ErrorIs(t, err, schemas.ErrOracleTimeout)
}

func TestInterpret_ClientErrorPassesThrough(t *testing.T) {
	client := new(mocks.MockLLMClient)
	boom := errors.New("quota exceeded")
	client.On("Generate", mock.Anything, mock.Anything).Return("", boom)

	_, err := newTestOracle(t, client).Interpret(context.Background(), schemas.OracleRequest{Snapshot: formSnapshot()})

	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, schemas.ErrOracleTimeout)
}

func TestInterpret_RateLimiterDeadline(t *testing.T) {
	client := new(mocks.MockLLMClient)
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestOracle(t, client, WithLimiter(limiter)).Interpret(ctx, schemas.OracleRequest{Snapshot: formSnapshot()})

	assert.ErrorIs(t, err, schemas.ErrOracleTimeout)
	client.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestAnalyzeError_UsesFastTier(t *testing.T) {
	client := new(mocks.MockLLMClient)
	client.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return req.Tier == schemas.TierFast && strings.Contains(req.UserPrompt, "NOT_INTERACTABLE")
	})).Return(`{"classificationHint": "StepLogicError",
		"prerequisiteSteps": [{"field": "business", "actionType": "toggle", "value": "true"}]}`, nil)

	out, err := newTestOracle(t, client).AnalyzeError(context.Background(), schemas.ErrorAnalysisRequest{
		FailedStep: schemas.InteractionStep{Field: schemas.FieldRecord{Name: "vat", ActionType: schemas.ActionEnterText}},
		Signal:     schemas.SignalNotInteractable,
		Snapshot:   formSnapshot(),
	})

	require.NoError(t, err)
	assert.Equal(t, schemas.StepLogicError, out.ClassificationHint)
	require.Len(t, out.PrerequisiteSteps, 1)
	assert.Equal(t, schemas.ActionToggle, out.PrerequisiteSteps[0].ActionType)
}

func TestAnalyzeError_RejectsUnknownHint(t *testing.T) {
	client := new(mocks.MockLLMClient)
	client.On("Generate", mock.Anything, mock.Anything).Return(`{"classificationHint": "Gremlins"}`, nil)

	_, err := newTestOracle(t, client).AnalyzeError(context.Background(), schemas.ErrorAnalysisRequest{Snapshot: formSnapshot()})

	assert.ErrorIs(t, err, schemas.ErrInvalidResponse)
}

func TestNewLLMOracle_RequiresClient(t *testing.T) {
	_, err := NewLLMOracle(zaptest.NewLogger(t), nil, config.OracleConfig{})
	assert.Error(t, err)
}

func TestCompactSnapshot_Budget(t *testing.T) {
	var children []*schemas.Node
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		children = append(children, node("input", map[string]string{"id": id, "name": id}, true))
	}
	children = append(children, node("input", map[string]string{"id": "hidden", "name": "hidden"}, false))
	snap := formSnapshot(children...)

	full, text, err := compactSnapshot(snap, ApproxCounter{}, 0)
	require.NoError(t, err)
	assert.Len(t, full.Elements, 9)
	assert.Zero(t, full.Omitted)
	assert.Contains(t, text, "hidden")

	budget := ApproxCounter{}.Count(text) / 2
	cut, text, err := compactSnapshot(snap, ApproxCounter{}, budget)
	require.NoError(t, err)
	assert.LessOrEqual(t, ApproxCounter{}.Count(text), budget)
	assert.NotContains(t, text, "hidden")
	assert.Equal(t, 9-len(cut.Elements), cut.Omitted)
	assert.Equal(t, "a", cut.Elements[0].Name, "elements are cut from the end")
}
