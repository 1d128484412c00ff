package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// -- Test Setup Helpers --

// setupGeminiClient points a GoogleClient at a mock HTTP server.
func setupGeminiClient(t *testing.T, handler http.HandlerFunc) (*GoogleClient, *httptest.Server, *observer.ObservedLogs) {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			t.Log("Warning: Unexpected HTTP request in test.")
			w.WriteHeader(http.StatusNotFound)
		}
	}
	server := httptest.NewServer(handler)

	loggerCore, observedLogs := observer.New(zap.InfoLevel)
	cfg := getValidLLMConfig()
	cfg.Endpoint = server.URL

	client, err := NewGoogleClient(cfg, zap.New(loggerCore))
	require.NoError(t, err, "NewGoogleClient initialization failed")
	client.httpClient.Timeout = 5 * time.Second
	client.backoffFactory = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 10 * time.Millisecond
		b.MaxElapsedTime = 5 * time.Second
		return b
	}

	t.Cleanup(server.Close)
	return client, server, observedLogs
}

func geminiText(text string) GeminiResponsePayload {
	return GeminiResponsePayload{
		Candidates: []GeminiCandidate{{
			Content:      GeminiContent{Parts: []GeminiPart{{Text: text}}},
			FinishReason: "STOP",
		}},
	}
}

// -- Initialization --

func TestNewGoogleClient_Success(t *testing.T) {
	cfg := getValidLLMConfig()
	cfg.Endpoint = ""

	client, err := NewGoogleClient(cfg, setupTestLogger(t))

	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, cfg.APIKey, client.apiKey)
	assert.Equal(t, cfg.APITimeout, client.httpClient.Timeout)
	expected := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	assert.Equal(t, expected, client.endpoint)
	assert.NotNil(t, client.backoffFactory, "Backoff factory should be initialized")
}

func TestNewGoogleClient_Failure_MissingAPIKey(t *testing.T) {
	cfg := getValidLLMConfig()
	cfg.APIKey = ""

	client, err := NewGoogleClient(cfg, setupTestLogger(t))

	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "Google/Gemini API Key is required")
}

// -- Request payload --

func TestBuildRequestPayload_Standard(t *testing.T) {
	client, _, _ := setupGeminiClient(t, nil)
	client.config.TopP = 0.9
	client.config.TopK = 50
	client.config.MaxTokens = 2048

	req := createTestRequest()
	req.Options.Temperature = 0.5

	payload := client.buildRequestPayload(req)

	require.NotNil(t, payload.SystemInstruction)
	require.Len(t, payload.Contents, 1)
	assert.Equal(t, req.SystemPrompt, payload.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "user", payload.Contents[0].Role)
	assert.Equal(t, req.UserPrompt, payload.Contents[0].Parts[0].Text)
	assert.Equal(t, 0.5, payload.GenerationConfig.Temperature)
	assert.Equal(t, float32(0.9), payload.GenerationConfig.TopP)
	assert.Equal(t, 50, payload.GenerationConfig.TopK)
	assert.Equal(t, 2048, payload.GenerationConfig.MaxOutputTokens)
	assert.Empty(t, payload.GenerationConfig.ResponseMimeType)
}

func TestBuildRequestPayload_ForceJSON(t *testing.T) {
	client, _, _ := setupGeminiClient(t, nil)
	req := createTestRequest()
	req.Options.ForceJSONFormat = true

	payload := client.buildRequestPayload(req)

	assert.Equal(t, "application/json", payload.GenerationConfig.ResponseMimeType)
}

func TestBuildRequestPayload_NoSystemPrompt(t *testing.T) {
	client, _, _ := setupGeminiClient(t, nil)
	req := createTestRequest()
	req.SystemPrompt = ""

	assert.Nil(t, client.buildRequestPayload(req).SystemInstruction)
}

// -- Generate --

func TestGenerate_Success(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "test-api-key", r.Header.Get("x-goog-api-key"))

		body, _ := io.ReadAll(r.Body)
		var payload GeminiRequestPayload
		require.NoError(t, json.Unmarshal(body, &payload), "Server received invalid JSON payload")
		assert.Equal(t, createTestRequest().UserPrompt, payload.Contents[0].Parts[0].Text)

		resp := geminiText("This is the generated content.")
		resp.UsageMetadata = GeminiUsage{PromptTokenCount: 100, CandidatesTokenCount: 50, TotalTokenCount: 150}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
	client, _, observedLogs := setupGeminiClient(t, handler)

	response, err := client.Generate(context.Background(), createTestRequest())

	require.NoError(t, err)
	assert.Equal(t, "This is the generated content.", response)
	require.Equal(t, 1, observedLogs.Len(), "Expected one log entry for successful generation")
	entry := observedLogs.All()[0]
	assert.Equal(t, "LLM generation complete (Gemini)", entry.Message)
	assert.Equal(t, int64(100), entry.ContextMap()["prompt_tokens"])
	assert.Equal(t, int64(50), entry.ContextMap()["completion_tokens"])
}

func TestGenerate_RetryOnTransientErrors(t *testing.T) {
	var attempts int32
	const expectedAttempts = 3
	handler := func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < expectedAttempts {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("Service temporarily unavailable."))
			return
		}
		_ = json.NewEncoder(w).Encode(geminiText("Success after retry"))
	}
	client, _, observedLogs := setupGeminiClient(t, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	response, err := client.Generate(ctx, createTestRequest())

	require.NoError(t, err)
	assert.Equal(t, "Success after retry", response)
	assert.Equal(t, int32(expectedAttempts), atomic.LoadInt32(&attempts))
	assert.Equal(t, expectedAttempts-1, observedLogs.FilterLevelExact(zap.ErrorLevel).Len(), "Expected ERROR logs for the failed attempts")
}

func TestGenerate_RetryOnNetworkError(t *testing.T) {
	client, server, observedLogs := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler reached despite server being closed.")
	})
	client.backoffFactory = func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := client.Generate(ctx, createTestRequest())

	require.Error(t, err)
	var permanent *backoff.PermanentError
	assert.False(t, errors.As(err, &permanent), "Network errors should be treated as transient and retried")
	warnLogs := observedLogs.FilterLevelExact(zap.WarnLevel)
	assert.Greater(t, warnLogs.Len(), 1)
	assert.Contains(t, warnLogs.All()[0].Message, "Network error during LLM request, retrying...")
}

func TestGenerate_NoRetryOnPermanentErrors(t *testing.T) {
	var attempts int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("API Key Invalid"))
	}
	client, _, _ := setupGeminiClient(t, handler)

	_, err := client.Generate(context.Background(), createTestRequest())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
	assert.Contains(t, err.Error(), "API Key Invalid")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestGenerate_ResponseProblems(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		contains string
	}{
		{"malformed JSON", `{"candidates": [`, "failed to decode response payload"},
		{"no candidates", `{"candidates": []}`, "gemini API returned no candidates"},
		{"blocked", `{"candidates": [{"content": {"parts": []}, "finishReason": "SAFETY"}]}`, "blocked the request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			client, _, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Generate(context.Background(), createTestRequest())

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
			assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "permanent failures are not retried")
		})
	}
}

func TestGenerate_ContextCanceled(t *testing.T) {
	client, _, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Generate(ctx, createTestRequest())

	assert.Error(t, err)
}
