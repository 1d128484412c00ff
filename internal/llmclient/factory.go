package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/config"
)

// NewClient creates the LLMClient for one model configuration.
func NewClient(cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGoogleClient(cfg, logger)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderOpenAI)
	}
}

// NewRouterFromConfig builds the oracle's router from the interpret and analyze model settings.
func NewRouterFromConfig(cfg config.OracleConfig, logger *zap.Logger) (*Router, error) {
	interpret, err := NewClient(cfg.Interpret, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create interpret model client: %w", err)
	}
	analyze, err := NewClient(cfg.Analyze, logger)
	if err != nil {
		_ = interpret.Close()
		return nil, fmt.Errorf("failed to create analyze model client: %w", err)
	}
	return NewRouter(logger, interpret, analyze)
}
