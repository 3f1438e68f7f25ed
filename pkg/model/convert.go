package model

import "github.com/nstogner/officeagent/pkg/domain"

// FromTranscript converts persisted messages into the model view. Each
// domain message maps to one model message; tool results keep their call id
// so providers can pair them.
func FromTranscript(msgs []domain.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, FromDomain(m))
	}
	return out
}

// FromDomain converts a single transcript message.
func FromDomain(m domain.Message) Message {
	msg := Message{Role: m.Role}
	switch m.Role {
	case domain.RoleTool:
		msg.Content = []Content{{
			Type: domain.ContentTypeToolResult,
			ToolResult: &domain.ToolResult{
				ToolCallID: m.ToolCallID,
				Name:       m.ToolName,
				Content:    m.Content,
				IsError:    m.IsError,
			},
		}}
	default:
		if m.Content != "" {
			msg.Content = append(msg.Content, Content{Type: domain.ContentTypeText, Text: m.Content})
		}
		for i := range m.ToolCalls {
			tc := m.ToolCalls[i]
			msg.Content = append(msg.Content, Content{Type: domain.ContentTypeToolCall, ToolCall: &tc})
		}
	}
	return msg
}

// ToDomain converts an assistant reply into a transcript message. Seq, ID
// and timestamp are left for the store.
func ToDomain(m Message, modelName string) domain.Message {
	return domain.Message{
		Role:      domain.RoleAssistant,
		Content:   m.Text(),
		ToolCalls: m.ToolCalls(),
		Model:     modelName,
	}
}
