package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/model"
)

const (
	// DefaultCompactionThreshold is the fraction of the max context window at which
	// the transcript should be compacted. 0.6 means compact when usage reaches 60%.
	DefaultCompactionThreshold = 0.6

	// minCompactMessages keeps very short views from being compacted.
	minCompactMessages = 10
)

// CompactionOptions configure context compaction.
type CompactionOptions struct {
	Enabled   bool
	Threshold float64
	// MaxContextTokens is the model's context window. Zero looks it up from
	// the provider's model list.
	MaxContextTokens int
	// Model summarizes; empty uses the conversation model.
	Model string
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// countTokens estimates tokens with cl100k, falling back to ~4 chars per
// token when the codec is unavailable.
func countTokens(s string) int {
	codecOnce.Do(func() {
		var err error
		codec, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			slog.Warn("Tokenizer unavailable, estimating by length", "error", err)
		}
	})
	if codec != nil {
		if ids, _, err := codec.Encode(s); err == nil {
			return len(ids)
		}
	}
	return len(s) / 4
}

// estimateTokens counts the tokens of a model request, including a small
// per-message overhead.
func estimateTokens(req model.Request) int {
	total := countTokens(req.Instructions)
	for _, m := range req.Messages {
		total += 4
		for _, c := range m.Content {
			switch {
			case c.Text != "":
				total += countTokens(c.Text)
			case c.ToolCall != nil:
				b, _ := json.Marshal(c.ToolCall.Input)
				total += countTokens(c.ToolCall.Name) + countTokens(string(b))
			case c.ToolResult != nil:
				total += countTokens(c.ToolResult.Content)
			}
		}
	}
	return total
}

// maybeCompact summarizes the older half of the model view once it grows
// past the threshold.
func (c *Conversation) maybeCompact(ctx context.Context) error {
	opts := c.opts.Compaction
	if !opts.Enabled {
		return nil
	}

	c.mu.Lock()
	view := c.viewLocked()
	c.mu.Unlock()
	if len(view) < minCompactMessages {
		// Don't bother compacting very short views.
		return nil
	}

	maxTokens := opts.MaxContextTokens
	if maxTokens == 0 {
		var err error
		if maxTokens, err = c.lookupContextWindow(ctx); err != nil {
			return err
		}
	}
	if maxTokens == 0 {
		// Can't determine context window, skip compaction.
		return nil
	}

	estimated := estimateTokens(c.request())
	if float64(estimated) < float64(maxTokens)*opts.Threshold {
		return nil
	}

	c.log.Info("Compaction triggered",
		"estimatedTokens", estimated,
		"maxTokens", maxTokens,
		"threshold", opts.Threshold,
	)
	return c.compact(ctx, view)
}

func (c *Conversation) lookupContextWindow(ctx context.Context) (int, error) {
	models, err := c.deps.Provider.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing models for compaction check: %w", err)
	}
	for _, m := range models {
		if m.ID == c.opts.Model || strings.TrimPrefix(m.ID, "models/") == c.opts.Model {
			return m.MaxTokens, nil
		}
	}
	return 0, nil
}

// splitPoint returns the index of the first message to keep: around half of
// the view, moved back so a tool message is never separated from the
// assistant message that requested it.
func splitPoint(view []domain.Message) int {
	split := len(view) / 2
	for split > 0 && view[split].Role == domain.RoleTool {
		split--
	}
	return split
}

// compact asks the model to summarize the older part of view and records
// the marker. Messages stay in the transcript.
func (c *Conversation) compact(ctx context.Context, view []domain.Message) error {
	split := splitPoint(view)
	if split <= 1 {
		// Not enough messages to compact.
		return nil
	}
	older := view[:split]

	var prompt strings.Builder
	prompt.WriteString("You are summarizing a conversation history for context compaction. " +
		"Create a dense, comprehensive summary of the following conversation that preserves:\n" +
		"- Key decisions and outcomes\n" +
		"- Files that were inspected, created or modified, with their paths\n" +
		"- Current state of any ongoing tasks\n" +
		"- Any instructions or preferences the user expressed\n\n" +
		"Be thorough but concise. This summary will replace the original messages.\n\n")

	c.mu.Lock()
	if c.compaction != nil {
		fmt.Fprintf(&prompt, "PREVIOUS SUMMARY:\n%s\n\n", c.compaction.Summary)
	}
	c.mu.Unlock()

	prompt.WriteString("CONVERSATION TO SUMMARIZE:\n")
	for _, m := range older {
		fmt.Fprintf(&prompt, "[%s] %s\n", m.Role, m.Content)
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Input)
			fmt.Fprintf(&prompt, "[%s] called %s %s\n", m.Role, tc.Name, args)
		}
	}

	summaryModel := c.opts.Compaction.Model
	if summaryModel == "" {
		summaryModel = c.opts.Model
	}
	reply, err := c.deps.Provider.Complete(ctx, model.Request{
		Model:        summaryModel,
		Instructions: "You are a conversation summarizer.",
		Messages: []model.Message{{
			Role:    domain.RoleUser,
			Content: []model.Content{{Type: domain.ContentTypeText, Text: prompt.String()}},
		}},
	})
	if err != nil {
		return fmt.Errorf("calling model for compaction: %w", err)
	}
	summary := strings.TrimSpace(reply.Text())
	if summary == "" {
		return errors.New("model returned empty compaction summary")
	}

	upTo := older[len(older)-1].Seq
	if err := c.deps.Store.Compact(ctx, c.id, upTo, summary); err != nil {
		return fmt.Errorf("recording compaction: %w", err)
	}
	comp, err := c.deps.Store.LatestCompaction(ctx, c.id)
	if err != nil {
		return fmt.Errorf("reloading compaction: %w", err)
	}
	c.mu.Lock()
	c.compaction = comp
	c.mu.Unlock()
	c.log.Info("Compacted transcript", "upToSeq", upTo)
	return nil
}
