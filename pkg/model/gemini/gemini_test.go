package gemini

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/model"
)

func responses(items ...any) func(yield func(*genai.GenerateContentResponse, error) bool) {
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, it := range items {
			var ok bool
			switch v := it.(type) {
			case error:
				ok = yield(nil, v)
			case *genai.GenerateContentResponse:
				ok = yield(v, nil)
			}
			if !ok {
				return
			}
		}
	}
}

func chunk(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Role: "model", Parts: parts}}},
	}
}

func TestCollectJoinsTextAndCalls(t *testing.T) {
	msg, err := collect(responses(
		chunk(&genai.Part{Text: "thinking...", Thought: true}),
		chunk(&genai.Part{Text: "Sheet "}),
		chunk(&genai.Part{Text: "loaded."}, &genai.Part{
			FunctionCall:     &genai.FunctionCall{Name: "get_excel_data", Args: map[string]any{"file_path": "a.xlsx"}},
			ThoughtSignature: []byte("sig"),
		}),
	))
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAssistant, msg.Role)
	assert.Equal(t, "Sheet loaded.", msg.Text())

	calls := msg.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "get_excel_data", calls[0].Name)
	assert.NotEmpty(t, calls[0].ID)
	assert.Equal(t, []byte("sig"), calls[0].ThoughtSignature)
}

func TestCollectStopsOnError(t *testing.T) {
	_, err := collect(responses(chunk(&genai.Part{Text: "partial"}), errors.New("quota")))
	assert.EqualError(t, err, "quota")
}

func TestToContents(t *testing.T) {
	view := model.FromTranscript([]domain.Message{
		{Role: domain.RoleUser, Content: "compare"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
			{ID: "a", Name: "get_slide", Input: map[string]any{"slide_index": 0}},
			{ID: "b", Name: "get_slide", Input: map[string]any{"slide_index": 1}},
		}},
		{Role: domain.RoleTool, ToolCallID: "a", Content: "one"},
		{Role: domain.RoleTool, ToolCallID: "b", ToolName: "get_slide", Content: "two"},
	})
	view = append([]model.Message{{Role: domain.RoleCompactionSummary, Content: []model.Content{{Type: domain.ContentTypeText, Text: "earlier"}}}}, view...)

	contents := toContents(view)
	require.Len(t, contents, 4)
	assert.Equal(t, "model", contents[0].Role)
	assert.Contains(t, contents[0].Parts[0].Text, "earlier")
	assert.Equal(t, "user", contents[1].Role)
	assert.Equal(t, "model", contents[2].Role)
	require.Len(t, contents[2].Parts, 2)

	// Both results arrive in a single user turn, names resolved from the calls.
	results := contents[3]
	assert.Equal(t, "user", results.Role)
	require.Len(t, results.Parts, 2)
	assert.Equal(t, "get_slide", results.Parts[0].FunctionResponse.Name)
	assert.Equal(t, "b", results.Parts[1].FunctionResponse.ID)
	assert.Equal(t, map[string]any{"result": "two"}, results.Parts[1].FunctionResponse.Response)
}

func TestBuildToolDeclarations(t *testing.T) {
	assert.Nil(t, buildToolDeclarations(nil))
	params := map[string]any{"type": "object"}
	tools := buildToolDeclarations([]model.ToolSpec{{Name: "get_image", Description: "d", Parameters: params}})
	require.Len(t, tools, 1)
	require.Len(t, tools[0].FunctionDeclarations, 1)
	assert.Equal(t, "get_image", tools[0].FunctionDeclarations[0].Name)
	assert.Equal(t, params, tools[0].FunctionDeclarations[0].ParametersJsonSchema)
}

func TestIntegrationGeminiComplete(t *testing.T) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		t.Skip("Skipping: GEMINI_API_KEY not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := New(ctx, apiKey)
	require.NoError(t, err)
	reply, err := p.Complete(ctx, model.Request{
		Model:        "gemini-2.0-flash",
		Instructions: "Reply with the single word: pong",
		Messages:     model.FromTranscript([]domain.Message{{Role: domain.RoleUser, Content: "ping"}}),
	})
	require.NoError(t, err)
	assert.Contains(t, reply.Text(), "pong")
}
