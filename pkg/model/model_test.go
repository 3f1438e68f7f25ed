package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/officeagent/pkg/domain"
)

func TestTranscriptRoundTrip(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "open the deck"},
		{Role: domain.RoleAssistant, Content: "Looking.", ToolCalls: []domain.ToolCall{
			{ID: "c1", Name: "get_slide", Input: map[string]any{"slide_index": float64(0)}},
			{ID: "c2", Name: "get_image", Input: map[string]any{"image_path": "a.png"}},
		}},
		{Role: domain.RoleTool, ToolCallID: "c1", ToolName: "get_slide", Content: "<slide/>"},
		{Role: domain.RoleTool, ToolCallID: "c2", ToolName: "get_image", Content: "Error: missing", IsError: true},
	}

	view := FromTranscript(msgs)
	require.Len(t, view, 4)
	assert.Equal(t, "open the deck", view[0].Text())

	calls := view[1].ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "c2", calls[1].ID)
	assert.Equal(t, "Looking.", view[1].Text())

	require.Len(t, view[3].Content, 1)
	res := view[3].Content[0].ToolResult
	require.NotNil(t, res)
	assert.Equal(t, "c2", res.ToolCallID)
	assert.True(t, res.IsError)

	back := ToDomain(view[1], "gpt-4o")
	assert.Equal(t, domain.RoleAssistant, back.Role)
	assert.Equal(t, msgs[1].ToolCalls, back.ToolCalls)
	assert.Equal(t, "gpt-4o", back.Model)
}

func TestEmptyAssistantHasNoParts(t *testing.T) {
	m := FromDomain(domain.Message{Role: domain.RoleAssistant})
	assert.Empty(t, m.Content)
	assert.Empty(t, m.ToolCalls())
}
