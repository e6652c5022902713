package runner

import (
	"context"

	"github.com/loomwork/engine/pkg/engine/exec"
	"github.com/loomwork/engine/pkg/engine/resilience"
)

// resilientLM wraps a LanguageModel handle with the generic CircuitBreaker
// and RateLimiter primitives (spec 4.3), so every llm step in a run shares
// one breaker and one token bucket guarding the underlying provider. Either
// wrapper is optional; a nil breaker or limiter is a no-op pass-through.
type resilientLM struct {
	inner   exec.LanguageModel
	breaker *resilience.CircuitBreaker
	limiter *resilience.RateLimiter
}

// wrapLanguageModel applies whichever of breaker/limiter is non-nil. If both
// are nil, inner is returned unwrapped.
func wrapLanguageModel(inner exec.LanguageModel, breaker *resilience.CircuitBreaker, limiter *resilience.RateLimiter) exec.LanguageModel {
	if breaker == nil && limiter == nil {
		return inner
	}
	return &resilientLM{inner: inner, breaker: breaker, limiter: limiter}
}

func (r *resilientLM) Generate(ctx context.Context, req exec.LLMRequest) (exec.LLMResponse, error) {
	if r.limiter != nil {
		if err := r.limiter.Acquire(ctx); err != nil {
			return exec.LLMResponse{}, err
		}
	}
	if r.breaker == nil {
		return r.inner.Generate(ctx, req)
	}
	result, err := r.breaker.Execute(ctx, func() (any, error) {
		return r.inner.Generate(ctx, req)
	})
	if err != nil {
		return exec.LLMResponse{}, err
	}
	return result.(exec.LLMResponse), nil
}
