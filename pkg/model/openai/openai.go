package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/model"
)

// Provider implements model.Provider using the OpenAI chat completions API
// or any server compatible with it.
type Provider struct {
	client *goopenai.Client
}

// Verify interface compliance.
var _ model.Provider = (*Provider)(nil)

// New creates a new OpenAI provider. baseURL may be empty for the public API.
func New(apiKey, baseURL string) *Provider {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = model.NewTraceClient("openai")
	return &Provider{client: goopenai.NewClientWithConfig(cfg)}
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "openai" }

// List returns the models visible to the API key, sorted by id.
func (p *Provider) List(ctx context.Context) ([]domain.Model, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	models := make([]domain.Model, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, domain.Model{ID: m.ID, Name: m.ID, Provider: "openai"})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// Complete sends one chat completion request.
func (p *Provider) Complete(ctx context.Context, req model.Request) (model.Message, error) {
	slog.Debug("OpenAI.Complete", "model", req.Model, "messageCount", len(req.Messages))

	msgs, err := toChatMessages(req.Instructions, req.Messages)
	if err != nil {
		return model.Message{}, err
	}
	resp, err := p.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
		Tools:    toTools(req.Tools),
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return model.Message{}, errors.New("chat completion returned no choices")
	}
	return fromChatMessage(resp.Choices[0].Message), nil
}

func toTools(specs []model.ToolSpec) []goopenai.Tool {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]goopenai.Tool, 0, len(specs))
	for _, s := range specs {
		tools = append(tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return tools
}

func toChatMessages(instructions string, messages []model.Message) ([]goopenai.ChatCompletionMessage, error) {
	var out []goopenai.ChatCompletionMessage
	if instructions != "" {
		out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: instructions})
	}

	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleSystem:
			out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: msg.Text()})
		case domain.RoleCompactionSummary:
			out = append(out, goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleSystem,
				Content: "Summary of the earlier conversation:\n" + msg.Text(),
			})
		case domain.RoleUser:
			out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: msg.Text()})
		case domain.RoleAssistant:
			cm := goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleAssistant, Content: msg.Text()}
			for _, tc := range msg.ToolCalls() {
				args, err := encodeArguments(tc.Input)
				if err != nil {
					return nil, fmt.Errorf("encoding arguments of %s: %w", tc.ID, err)
				}
				cm.ToolCalls = append(cm.ToolCalls, goopenai.ToolCall{
					ID:       tc.ID,
					Type:     goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{Name: tc.Name, Arguments: args},
				})
			}
			out = append(out, cm)
		case domain.RoleTool:
			for _, c := range msg.Content {
				if c.ToolResult == nil {
					continue
				}
				out = append(out, goopenai.ChatCompletionMessage{
					Role:       goopenai.ChatMessageRoleTool,
					Content:    c.ToolResult.Content,
					ToolCallID: c.ToolResult.ToolCallID,
					Name:       c.ToolResult.Name,
				})
			}
		default:
			return nil, fmt.Errorf("unsupported role %q", msg.Role)
		}
	}
	return out, nil
}

func fromChatMessage(cm goopenai.ChatCompletionMessage) model.Message {
	msg := model.Message{Role: domain.RoleAssistant}
	if cm.Content != "" {
		msg.Content = append(msg.Content, model.Content{Type: domain.ContentTypeText, Text: cm.Content})
	}
	for _, tc := range cm.ToolCalls {
		id := tc.ID
		if id == "" {
			id = "call-" + uuid.New().String()
		}
		input := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				// Kept raw so the dispatcher can report the parse error.
				slog.Warn("Model produced malformed tool arguments", "tool", tc.Function.Name, "error", err)
				input = map[string]any{domain.MalformedArgumentsKey: tc.Function.Arguments}
			}
		}
		msg.Content = append(msg.Content, model.Content{
			Type:     domain.ContentTypeToolCall,
			ToolCall: &domain.ToolCall{ID: id, Name: tc.Function.Name, Input: input},
		})
	}
	return msg
}

// encodeArguments replays malformed arguments as the model sent them.
func encodeArguments(input map[string]any) (string, error) {
	if raw, ok := input[domain.MalformedArgumentsKey].(string); ok && len(input) == 1 {
		return raw, nil
	}
	b, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
