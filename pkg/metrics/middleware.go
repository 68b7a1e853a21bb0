package metrics

import (
	"context"
	"time"

	"optiq/pkg/llm"
	"optiq/pkg/llmerrors"
	"optiq/pkg/run"
	"optiq/pkg/tokens"
)

// Middleware returns an llm.Middleware that records request counts, token
// usage, and latency. Token counts come from the tokenizer since not every
// provider reports usage; the estimate is close enough for metrics. The run
// ID label is read from the context (run.WithRunID).
func Middleware(rec *Recorder, counter *tokens.Counter, agent string) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				promptTokens := 0
				for _, msg := range req.Messages {
					promptTokens += counter.Count(msg.Content)
				}
				completionTokens := counter.Count(resp.Content)

				errorType := ""
				if err != nil {
					errorType = errorTypeLabel(err)
				}
				rec.ObserveLLMRequest(next.GetModelName(), run.RunIDFromContext(ctx), agent,
					promptTokens, completionTokens, err == nil, errorType, duration)

				return resp, err
			},
			next.Stream,
			next.GetModelName,
		)
	}
}

func errorTypeLabel(err error) string {
	switch llmerrors.TypeOf(err) {
	case llmerrors.ErrorTypeRateLimit:
		return "rate_limit"
	case llmerrors.ErrorTypeTransient:
		return "transient"
	case llmerrors.ErrorTypeEmptyResponse:
		return "empty_response"
	case llmerrors.ErrorTypeAuth:
		return "auth"
	case llmerrors.ErrorTypeBadPrompt:
		return "bad_prompt"
	case llmerrors.ErrorTypeValidation:
		return "validation"
	default:
		return "unknown"
	}
}
