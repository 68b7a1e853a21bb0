package ollamaclient

import (
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiq/pkg/llm"
)

func TestConvertToolCallsFlattensOrderedArguments(t *testing.T) {
	args := api.NewToolCallFunctionArguments()
	args.Set("workload_id", "wl-7")
	args.Set("window_hours", 24)

	calls := convertToolCalls([]api.ToolCall{{
		Function: api.ToolCallFunction{Name: "workload.metrics", Arguments: args},
	}})

	require.Len(t, calls, 1)
	assert.Equal(t, "workload.metrics", calls[0].Name)
	assert.Equal(t, map[string]any{
		"workload_id":  "wl-7",
		"window_hours": 24,
	}, calls[0].Parameters)
}

func TestConvertToolCallsEmptyArguments(t *testing.T) {
	// A zero-value Arguments comes back for calls without parameters; the
	// conversion must not panic on it.
	calls := convertToolCalls([]api.ToolCall{{
		Function: api.ToolCallFunction{Name: "workload.baseline"},
	}})

	require.Len(t, calls, 1)
	assert.Equal(t, "workload.baseline", calls[0].Name)
	assert.Empty(t, calls[0].Parameters)
}

func TestConvertMessagesRejectsEmpty(t *testing.T) {
	_, err := convertMessages(nil)
	require.Error(t, err)
}

func TestConvertToolsRoundTripsSchema(t *testing.T) {
	tools, err := convertTools([]llm.ToolDefinition{{
		Name:        "workload.metrics",
		Description: "Fetch workload metrics",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"workload_id": map[string]any{"type": "string"},
			},
			"required": []string{"workload_id"},
		},
	}})
	require.NoError(t, err)
	require.Len(t, tools, 1)

	fn := tools[0].Function
	assert.Equal(t, "workload.metrics", fn.Name)
	assert.Equal(t, "object", fn.Parameters.Type)
	assert.Equal(t, []string{"workload_id"}, fn.Parameters.Required)
	prop, ok := fn.Parameters.Properties.Get("workload_id")
	require.True(t, ok)
	assert.Equal(t, api.PropertyType{"string"}, prop.Type)
}
