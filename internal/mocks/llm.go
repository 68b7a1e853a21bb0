// Package mocks provides controllable test doubles shared across packages.
package mocks

import (
	"context"
	"fmt"
	"sync"

	"optiq/pkg/llm"
)

// LLMClient is a controllable implementation of llm.LLMClient for testing.
// Responses and errors are consumed in order; when CompleteFunc is set it
// overrides the scripted queue entirely.
type LLMClient struct {
	mu            sync.Mutex
	responses     []llm.CompletionResponse
	responseIndex int
	errors        []error
	errorIndex    int
	calls         int

	CompleteFunc func(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error)
	Model        string
}

// NewLLMClient creates a mock client with predefined responses and errors.
func NewLLMClient(responses []llm.CompletionResponse, errs []error) *LLMClient {
	return &LLMClient{
		responses: responses,
		errors:    errs,
		Model:     "mock-model",
	}
}

// Calls returns how many times Complete has been invoked.
func (m *LLMClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Complete returns the next predefined response or error.
func (m *LLMClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	m.calls++
	if m.CompleteFunc != nil {
		m.mu.Unlock()
		return m.CompleteFunc(ctx, in)
	}

	if m.errorIndex < len(m.errors) && m.errors[m.errorIndex] != nil {
		err := m.errors[m.errorIndex]
		m.errorIndex++
		m.mu.Unlock()
		return llm.CompletionResponse{}, err
	}

	if m.responseIndex >= len(m.responses) {
		m.mu.Unlock()
		return llm.CompletionResponse{}, fmt.Errorf("mock client: no more responses")
	}

	resp := m.responses[m.responseIndex]
	m.responseIndex++
	m.mu.Unlock()
	return resp, nil
}

// Stream emits the next predefined response as a single chunk.
func (m *LLMClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	resp, err := m.Complete(ctx, in)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk, 1)
	go func() {
		defer close(ch)
		ch <- llm.StreamChunk{Content: resp.Content, Done: true}
	}()
	return ch, nil
}

// GetModelName returns the configured mock model name.
func (m *LLMClient) GetModelName() string {
	return m.Model
}
