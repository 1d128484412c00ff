package llmclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"github.com/openai/openai-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/config"
)

// DefaultOpenAIBaseURL is used when the model config names no endpoint.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient implements schemas.LLMClient for OpenAI-compatible chat completion APIs.
type OpenAIClient struct {
	apiKey         string
	baseURL        string
	httpClient     *http.Client
	logger         *zap.Logger
	config         config.LLMModelConfig
	backoffFactory func() backoff.BackOff
}

// NewOpenAIClient initializes the client. Endpoint, when set, is the API base URL.
func NewOpenAIClient(cfg config.LLMModelConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("OpenAI model is required")
	}
	base := strings.TrimRight(cfg.Endpoint, "/")
	if base == "" {
		base = DefaultOpenAIBaseURL
	}
	return &OpenAIClient{
		apiKey:         cfg.APIKey,
		baseURL:        base,
		config:         cfg,
		httpClient:     &http.Client{Timeout: cfg.APITimeout},
		logger:         logger.Named("llm_client.openai"),
		backoffFactory: defaultBackoff,
	}, nil
}

func (c *OpenAIClient) buildRequestBody(req schemas.GenerationRequest) map[string]interface{} {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.UserPrompt))

	body := map[string]interface{}{
		"model":       c.config.Model,
		"messages":    messages,
		"temperature": req.Options.Temperature,
	}
	if c.config.MaxTokens > 0 {
		body["max_tokens"] = c.config.MaxTokens
	}
	if topP := req.Options.TopP; topP > 0 {
		body["top_p"] = topP
	} else if c.config.TopP > 0 {
		body["top_p"] = c.config.TopP
	}
	if req.Options.ForceJSONFormat {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	return body
}

// Generate sends a chat completion request, retrying transient failures.
func (c *OpenAIClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	body, err := json.Marshal(c.buildRequestBody(req))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	var content string
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			c.logger.Error("OpenAI API returned error status", zap.Int("status", resp.StatusCode), zap.String("response", string(respBody)))
			return classifyStatus(resp.StatusCode, fmt.Errorf("openai API error: status %d, body: %s", resp.StatusCode, string(respBody)))
		}

		var completion openai.ChatCompletion
		if err := json.Unmarshal(respBody, &completion); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode chat completion: %w", err))
		}
		if len(completion.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("openai API returned no choices"))
		}
		choice := completion.Choices[0]
		if choice.Message.Content == "" {
			if choice.FinishReason == "content_filter" {
				return backoff.Permanent(fmt.Errorf("openai API filtered the response"))
			}
			return fmt.Errorf("openai API returned empty content (finish reason: %s)", choice.FinishReason)
		}

		c.logger.Info("LLM generation complete (OpenAI)",
			zap.Duration("duration", time.Since(start)),
			zap.Int64("prompt_tokens", completion.Usage.PromptTokens),
			zap.Int64("completion_tokens", completion.Usage.CompletionTokens),
			zap.Int64("total_tokens", completion.Usage.TotalTokens),
		)
		content = choice.Message.Content
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return "", err
	}
	return content, nil
}

// Close releases idle connections.
func (c *OpenAIClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
