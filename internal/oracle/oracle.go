// Package oracle implements the reasoning oracle the orchestrator consults:
// an LLM-backed oracle and a scripted one for offline runs.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/config"
	"github.com/xkilldash9x/formmapper/internal/llmutil"
)

// LLMOracle answers oracle requests by prompting a language model. Snapshot
// interpretation uses the powerful tier and error analysis the fast tier.
type LLMOracle struct {
	logger  *zap.Logger
	client  schemas.LLMClient
	limiter *rate.Limiter
	counter TokenCounter

	maxSnapshotTokens int
	interpretTemp     float64
	analyzeTemp       float64

	interpretation *validator
	analysis       *validator
}

// LLMOption customizes an LLMOracle.
type LLMOption func(*LLMOracle)

// WithTokenCounter replaces the configured token encoding.
func WithTokenCounter(c TokenCounter) LLMOption {
	return func(o *LLMOracle) { o.counter = c }
}

// WithLimiter replaces the requests-per-minute limiter.
func WithLimiter(l *rate.Limiter) LLMOption {
	return func(o *LLMOracle) { o.limiter = l }
}

// NewLLMOracle creates an oracle over client.
func NewLLMOracle(logger *zap.Logger, client schemas.LLMClient, cfg config.OracleConfig, opts ...LLMOption) (*LLMOracle, error) {
	if client == nil {
		return nil, fmt.Errorf("oracle requires an LLM client")
	}
	interp, err := compile("interpretation", interpretationSchema)
	if err != nil {
		return nil, err
	}
	analysis, err := compile("analysis", analysisSchema)
	if err != nil {
		return nil, err
	}

	o := &LLMOracle{
		logger:            logger.Named("oracle"),
		client:            client,
		maxSnapshotTokens: cfg.MaxSnapshotTokens,
		interpretTemp:     float64(cfg.Interpret.Temperature),
		analyzeTemp:       float64(cfg.Analyze.Temperature),
		interpretation:    interp,
		analysis:          analysis,
	}
	if cfg.RequestsPerMinute > 0 {
		o.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.counter == nil {
		if o.counter, err = NewTiktokenCounter(cfg.TokenEncoding); err != nil {
			o.logger.Warn("Token encoding unavailable; estimating snapshot size.", zap.Error(err))
			o.counter = ApproxCounter{}
		}
	}
	return o, nil
}

// Interpret asks the model what the snapshot contains.
func (o *LLMOracle) Interpret(ctx context.Context, req schemas.OracleRequest) (*schemas.Interpretation, error) {
	prompt, err := o.interpretPrompt(req)
	if err != nil {
		return nil, err
	}
	raw, err := o.generate(ctx, schemas.GenerationRequest{
		SystemPrompt: interpretSystemPrompt,
		UserPrompt:   prompt,
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: o.interpretTemp, ForceJSONFormat: true},
	})
	if err != nil {
		return nil, err
	}
	var out schemas.Interpretation
	if err := o.interpretation.decode(llmutil.ExtractJSON(raw), &out); err != nil {
		o.logger.Warn("Rejected interpretation.", zap.Error(err), zap.String("response", llmutil.Truncate(raw, 500)))
		return nil, err
	}
	o.logger.Debug("Interpretation received.",
		zap.Int("fields", len(out.Fields)),
		zap.Int("actions", len(out.NextActions)),
		zap.Bool("complete", out.Complete))
	return &out, nil
}

// AnalyzeError asks the model why a step failed.
func (o *LLMOracle) AnalyzeError(ctx context.Context, req schemas.ErrorAnalysisRequest) (*schemas.ErrorAnalysis, error) {
	prompt, err := o.analyzePrompt(req)
	if err != nil {
		return nil, err
	}
	raw, err := o.generate(ctx, schemas.GenerationRequest{
		SystemPrompt: analyzeSystemPrompt,
		UserPrompt:   prompt,
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: o.analyzeTemp, ForceJSONFormat: true},
	})
	if err != nil {
		return nil, err
	}
	var out schemas.ErrorAnalysis
	if err := o.analysis.decode(llmutil.ExtractJSON(raw), &out); err != nil {
		o.logger.Warn("Rejected error analysis.", zap.Error(err), zap.String("response", llmutil.Truncate(raw, 500)))
		return nil, err
	}
	return &out, nil
}

// generate waits for the rate limiter and calls the model. Deadline overruns
// are reported as schemas.ErrOracleTimeout.
func (o *LLMOracle) generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			// Wait fails early when the next token lies past the deadline.
			if _, ok := ctx.Deadline(); ok && ctx.Err() == nil {
				return "", fmt.Errorf("%w: rate limiter: %v", schemas.ErrOracleTimeout, err)
			}
			return "", timeoutOr(ctx, fmt.Errorf("rate limiter: %w", err))
		}
	}
	start := time.Now()
	out, err := o.client.Generate(ctx, req)
	if err != nil {
		return "", timeoutOr(ctx, fmt.Errorf("llm generation failed: %w", err))
	}
	o.logger.Debug("Model answered.", zap.String("tier", string(req.Tier)), zap.Duration("took", time.Since(start)))
	return out, nil
}

func timeoutOr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", schemas.ErrOracleTimeout, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
