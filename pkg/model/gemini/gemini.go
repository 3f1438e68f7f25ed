package gemini

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/model"
)

// Provider implements model.Provider using the Google Gen AI SDK.
type Provider struct {
	client *genai.Client
}

// Verify interface compliance.
var _ model.Provider = (*Provider)(nil)

// New creates a new Gemini provider.
func New(ctx context.Context, apiKey string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: model.NewTraceClient("gemini"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "gemini" }

// List returns available Gemini models.
func (p *Provider) List(ctx context.Context) ([]domain.Model, error) {
	var models []domain.Model
	for m, err := range p.client.Models.All(ctx) {
		if err != nil {
			return nil, err
		}

		// Filter for models that support generateContent.
		supportsGenerate := false
		if !strings.Contains(strings.ToLower(m.Name), "gemma") {
			for _, action := range m.SupportedActions {
				if action == "generateContent" {
					supportsGenerate = true
					break
				}
			}
		}

		if supportsGenerate {
			models = append(models, domain.Model{
				ID:        m.Name,
				Name:      m.DisplayName,
				Provider:  "gemini",
				MaxTokens: int(m.InputTokenLimit),
			})
		}
	}
	return models, nil
}

// Complete streams a response and collects it into one message.
func (p *Provider) Complete(ctx context.Context, req model.Request) (model.Message, error) {
	slog.Debug("Gemini.Complete", "model", req.Model, "messageCount", len(req.Messages))

	config := &genai.GenerateContentConfig{
		Tools: buildToolDeclarations(req.Tools),
	}
	if req.Instructions != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.Instructions}},
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	return collect(p.client.Models.GenerateContentStream(streamCtx, req.Model, toContents(req.Messages), config))
}

func toContents(messages []model.Message) []*genai.Content {
	var contents []*genai.Content
	toolNameMap := make(map[string]string) // tool call ID -> name

	for _, msg := range messages {
		if msg.Role == domain.RoleSystem {
			// System role is handled via instructions.
			continue
		}
		if msg.Role == domain.RoleCompactionSummary {
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: "Summary of the earlier conversation:\n" + msg.Text()}},
			})
			continue
		}

		var parts []*genai.Part
		for _, c := range msg.Content {
			switch c.Type {
			case domain.ContentTypeText:
				parts = append(parts, &genai.Part{Text: c.Text})
			case domain.ContentTypeToolCall:
				if c.ToolCall != nil {
					toolNameMap[c.ToolCall.ID] = c.ToolCall.Name
					parts = append(parts, &genai.Part{
						FunctionCall: &genai.FunctionCall{
							Name: c.ToolCall.Name,
							Args: c.ToolCall.Input,
							ID:   c.ToolCall.ID,
						},
						ThoughtSignature: c.ToolCall.ThoughtSignature,
					})
				}
			case domain.ContentTypeToolResult:
				if c.ToolResult != nil {
					name := c.ToolResult.Name
					if name == "" {
						name = toolNameMap[c.ToolResult.ToolCallID]
					}
					parts = append(parts, &genai.Part{
						FunctionResponse: &genai.FunctionResponse{
							Name: name,
							ID:   c.ToolResult.ToolCallID,
							Response: map[string]any{
								"result": c.ToolResult.Content,
							},
						},
					})
				}
			}
		}

		role := "user"
		if msg.Role == domain.RoleAssistant {
			role = "model"
		}

		if len(parts) == 0 {
			continue
		}
		// Consecutive tool results are sent as one turn.
		if last := len(contents) - 1; last >= 0 && msg.Role == domain.RoleTool && isFunctionResponses(contents[last]) {
			contents[last].Parts = append(contents[last].Parts, parts...)
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

func isFunctionResponses(c *genai.Content) bool {
	if len(c.Parts) == 0 {
		return false
	}
	for _, p := range c.Parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return true
}

func buildToolDeclarations(specs []model.ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 s.Name,
			Description:          s.Description,
			ParametersJsonSchema: s.Parameters,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func collect(responses iter.Seq2[*genai.GenerateContentResponse, error]) (model.Message, error) {
	var fullText strings.Builder
	var toolCalls []model.Content

	for resp, err := range responses {
		if err != nil {
			return model.Message{}, err
		}
		if resp == nil {
			continue
		}

		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.Text != "" && !part.Thought {
					fullText.WriteString(part.Text)
				}
				if part.FunctionCall != nil {
					fc := part.FunctionCall
					id := fc.ID
					if id == "" {
						id = "call-" + uuid.New().String()
					}
					toolCalls = append(toolCalls, model.Content{
						Type: domain.ContentTypeToolCall,
						ToolCall: &domain.ToolCall{
							ID:               id,
							Name:             fc.Name,
							Input:            fc.Args,
							ThoughtSignature: part.ThoughtSignature,
						},
					})
				}
			}
		}
	}

	var content []model.Content
	if fullText.Len() > 0 {
		content = append(content, model.Content{
			Type: domain.ContentTypeText,
			Text: fullText.String(),
		})
	}
	content = append(content, toolCalls...)

	return model.Message{
		Role:    domain.RoleAssistant,
		Content: content,
	}, nil
}
