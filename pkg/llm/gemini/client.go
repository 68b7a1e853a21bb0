// Package gemini provides the Google Gemini implementation of llm.LLMClient.
package gemini

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"optiq/pkg/llm"
	"optiq/pkg/llmerrors"
)

// Client wraps the Google GenAI client. The underlying client needs a
// context to construct, so it is created lazily on first use.
type Client struct {
	mu     sync.Mutex
	client *genai.Client
	apiKey string
	model  string
}

// NewClient creates a Gemini client for the given model.
func NewClient(apiKey, model string) *Client {
	return &Client{apiKey: apiKey, model: model}
}

func (g *Client) ensureClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, llmerrors.NewWithCause(llmerrors.ErrorTypeAuth, err, "failed to create Gemini client")
	}
	g.client = client
	return client, nil
}

// convertMessages maps completion messages onto Gemini contents, extracting
// system messages into a single system instruction.
func convertMessages(messages []llm.CompletionMessage) (contents []*genai.Content, systemInstruction string, err error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	for i := range messages {
		msg := &messages[i]
		if msg.Role == llm.RoleSystem {
			if systemInstruction != "" {
				systemInstruction += "\n\n"
			}
			systemInstruction += msg.Content
			continue
		}

		role := genai.RoleUser
		if msg.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}

	if len(contents) == 0 {
		return nil, "", fmt.Errorf("must have at least one non-system message")
	}
	return contents, systemInstruction, nil
}

func convertTools(tools []llm.ToolDefinition) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for i := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 tools[i].Name,
			Description:          tools[i].Description,
			ParametersJsonSchema: tools[i].Schema,
		})
	}
	return decls
}

// Complete implements llm.LLMClient.
func (g *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	client, err := g.ensureClient(ctx)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	contents, systemInstruction, err := convertMessages(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.New(llmerrors.ErrorTypeBadPrompt,
			fmt.Sprintf("message conversion error: %v", err))
	}

	temp := in.Temperature
	config := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: int32(in.MaxTokens),
	}
	if systemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}
	if len(in.Tools) > 0 {
		config.Tools = []*genai.Tool{
			{FunctionDeclarations: convertTools(in.Tools)},
		}
		// Gemini may return empty responses when not forced to use the
		// provided tools, so mode ANY is set whenever tools are present.
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAny,
			},
		}
	}

	result, err := client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.Classify(err)
	}
	if result == nil || (result.Text() == "" && len(result.FunctionCalls()) == 0) {
		return llm.CompletionResponse{}, llmerrors.New(llmerrors.ErrorTypeEmptyResponse,
			"received empty response from Gemini API")
	}

	resp := llm.CompletionResponse{
		Content:    result.Text(),
		StopReason: stopReason(result),
	}
	for _, fc := range result.FunctionCalls() {
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ID:         fc.ID,
			Name:       fc.Name,
			Parameters: fc.Args,
		})
	}
	return resp, nil
}

// Stream implements llm.LLMClient. Gemini streaming is emulated from a
// single completion; the pipeline consumes final content only.
func (g *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 2)
	go func() {
		defer close(ch)
		resp, err := g.Complete(ctx, in)
		if err != nil {
			ch <- llm.StreamChunk{Error: err}
			return
		}
		ch <- llm.StreamChunk{Content: resp.Content}
		ch <- llm.StreamChunk{Done: true}
	}()
	return ch, nil
}

// GetModelName implements llm.LLMClient.
func (g *Client) GetModelName() string {
	return g.model
}

func stopReason(result *genai.GenerateContentResponse) string {
	if len(result.Candidates) == 0 {
		return ""
	}
	switch result.Candidates[0].FinishReason {
	case genai.FinishReasonStop:
		return "end_turn"
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	default:
		return string(result.Candidates[0].FinishReason)
	}
}
