// Package ollamaclient provides the Ollama implementation of llm.LLMClient
// for running local open-source models.
package ollamaclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"optiq/pkg/llm"
	"optiq/pkg/llmerrors"
)

// DefaultHostURL is used when no base URL is configured.
const DefaultHostURL = "http://localhost:11434"

// Client wraps the Ollama API client.
type Client struct {
	client *api.Client
	model  string
}

// NewClient creates an Ollama client against hostURL (falling back to the
// local default when the URL is empty or invalid).
func NewClient(hostURL, model string) *Client {
	if hostURL == "" {
		hostURL = DefaultHostURL
	}
	parsed, err := url.Parse(hostURL)
	if err != nil {
		parsed, _ = url.Parse(DefaultHostURL)
	}
	return &Client{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}
}

func convertMessages(messages []llm.CompletionMessage) ([]api.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}
	out := make([]api.Message, 0, len(messages))
	for i := range messages {
		out = append(out, api.Message{
			Role:    string(messages[i].Role),
			Content: messages[i].Content,
		})
	}
	return out, nil
}

func convertTools(tools []llm.ToolDefinition) (api.Tools, error) {
	out := make(api.Tools, len(tools))
	for i := range tools {
		// Round-trip through JSON: our schemas are plain maps while the
		// Ollama API wants its typed function parameter struct.
		raw, err := json.Marshal(tools[i].Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to encode schema for tool %s: %w", tools[i].Name, err)
		}
		var fn api.ToolFunction
		fn.Name = tools[i].Name
		fn.Description = tools[i].Description
		if err := json.Unmarshal(raw, &fn.Parameters); err != nil {
			return nil, fmt.Errorf("failed to decode schema for tool %s: %w", tools[i].Name, err)
		}
		out[i] = api.Tool{Type: "function", Function: fn}
	}
	return out, nil
}

// Complete implements llm.LLMClient.
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	messages, err := convertMessages(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.New(llmerrors.ErrorTypeBadPrompt,
			fmt.Sprintf("message conversion error: %v", err))
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}
	if len(in.Tools) > 0 {
		tools, err := convertTools(in.Tools)
		if err != nil {
			return llm.CompletionResponse{}, llmerrors.NewWithCause(llmerrors.ErrorTypeValidation, err, "bad tool schema")
		}
		req.Tools = tools
	}

	var response api.ChatResponse
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.Classify(err)
	}
	if response.Message.Content == "" && len(response.Message.ToolCalls) == 0 {
		return llm.CompletionResponse{}, llmerrors.New(llmerrors.ErrorTypeEmptyResponse,
			"received empty response from Ollama")
	}

	result := llm.CompletionResponse{
		Content:    response.Message.Content,
		StopReason: response.DoneReason,
		ToolCalls:  convertToolCalls(response.Message.ToolCalls),
	}
	return result, nil
}

func convertToolCalls(calls []api.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, 0, len(calls))
	for i := range calls {
		tc := &calls[i]
		// Arguments are an insertion-ordered map; flatten to a plain map
		// since tool handlers key by name only.
		out = append(out, llm.ToolCall{
			Name:       tc.Function.Name,
			Parameters: tc.Function.Arguments.ToMap(),
		})
	}
	return out
}

// Stream implements llm.LLMClient using Ollama's native streaming.
func (o *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	messages, err := convertMessages(in.Messages)
	if err != nil {
		return nil, llmerrors.New(llmerrors.ErrorTypeBadPrompt,
			fmt.Sprintf("message conversion error: %v", err))
	}

	stream := true
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	ch := make(chan llm.StreamChunk, 16)
	go func() {
		defer close(ch)
		err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				ch <- llm.StreamChunk{Content: resp.Message.Content}
			}
			if resp.Done {
				ch <- llm.StreamChunk{Done: true}
			}
			return nil
		})
		if err != nil {
			ch <- llm.StreamChunk{Error: llmerrors.Classify(err)}
		}
	}()
	return ch, nil
}

// GetModelName implements llm.LLMClient.
func (o *Client) GetModelName() string {
	return o.model
}
