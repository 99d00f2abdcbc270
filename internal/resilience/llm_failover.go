package resilience

import (
	"context"
	"strings"

	"github.com/voxline/voxline/pkg/provider/llm"
)

// LLMFailover implements [llm.Provider] across multiple completion backends.
// Each backend gets its own circuit breaker; when the primary fails or its
// breaker is open the next healthy alternate handles the request.
type LLMFailover struct {
	chain *Chain[llm.Provider]
}

var _ llm.Provider = (*LLMFailover)(nil)

// NewLLMFailover creates an [LLMFailover] with primary as the preferred
// backend.
func NewLLMFailover(primary llm.Provider, cfg ChainConfig) *LLMFailover {
	return &LLMFailover{
		chain: NewChain(primary.Name(), primary, cfg),
	}
}

// Add registers an additional completion backend as an alternate.
func (f *LLMFailover) Add(provider llm.Provider) {
	f.chain.Add(provider.Name(), provider)
}

// Complete sends the request to the first healthy backend and returns its
// response.
func (f *LLMFailover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return TryResult(f.chain, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Name identifies the failover chain by its member backends.
func (f *LLMFailover) Name() string {
	return "failover(" + strings.Join(f.chain.Names(), ",") + ")"
}
