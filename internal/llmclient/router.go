package llmclient

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formmapper/api/schemas"
)

// Router is the oracle's LLMClient. Snapshot interpretation asks for the
// powerful tier and error analysis for the fast one; each tier has its own
// model, which may be the same client.
type Router struct {
	logger    *zap.Logger
	interpret schemas.LLMClient
	analyze   schemas.LLMClient
}

// NewRouter pairs the interpretation and analysis models.
func NewRouter(logger *zap.Logger, interpret, analyze schemas.LLMClient) (*Router, error) {
	switch {
	case interpret == nil:
		return nil, errors.New("llm router: interpret model client is nil")
	case analyze == nil:
		return nil, errors.New("llm router: analyze model client is nil")
	}
	return &Router{logger: logger.Named("llm_router"), interpret: interpret, analyze: analyze}, nil
}

func (r *Router) pick(tier schemas.ModelTier) (schemas.LLMClient, error) {
	switch tier {
	case schemas.TierFast:
		return r.analyze, nil
	case schemas.TierPowerful, "":
		return r.interpret, nil
	}
	return nil, fmt.Errorf("llm router: unknown model tier %q", tier)
}

// Generate forwards req to the model serving its tier.
func (r *Router) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	client, err := r.pick(req.Tier)
	if err != nil {
		return "", err
	}
	r.logger.Debug("Routing generation request.", zap.String("tier", string(req.Tier)))
	return client.Generate(ctx, req)
}

// Close releases both models, closing a shared client once.
func (r *Router) Close() error {
	err := r.interpret.Close()
	if r.analyze != r.interpret {
		err = errors.Join(err, r.analyze.Close())
	}
	return err
}
