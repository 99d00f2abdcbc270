// Package mock provides a test double for the llm.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/voxline/voxline/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider. The zero value answers
// every request with an empty completion.
type Provider struct {
	mu sync.Mutex

	// Response is returned from Complete when CompleteFn is nil.
	Response string
	// Err, if non-nil, is returned as the error from Complete.
	Err error
	// CompleteFn, if non-nil, overrides Response/Err entirely.
	CompleteFn func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Requests records every request passed to Complete.
	Requests []llm.CompletionRequest

	// NameValue, if set, is returned from Name instead of "mock".
	NameValue string
}

// Complete records the request and returns the scripted result.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	fn := p.CompleteFn
	response, err := p.Response, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Content: response}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	if p.NameValue != "" {
		return p.NameValue
	}
	return "mock"
}

// Recorded returns a snapshot of recorded requests. Thread-safe.
func (p *Provider) Recorded() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.Requests))
	copy(out, p.Requests)
	return out
}

// Reset clears all recorded requests. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
