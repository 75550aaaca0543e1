package services

import (
	"github.com/username/turbochat/internal/domain/entities"
	"github.com/username/turbochat/internal/domain/ports"
	"github.com/username/turbochat/internal/pkg/logutil"
	"github.com/username/turbochat/pkg/tokenizer"
)

// DefaultContextWindow is the token budget for outbound context when no
// window is configured.
const DefaultContextWindow = 4096

// ContextBuilder assembles the outbound message payload for a
// generation request: the tone prompt as a system message, then the
// conversation's non-deleted messages in order, trimmed oldest-first to
// the token budget.
type ContextBuilder struct {
	tokenizer *tokenizer.Tokenizer
	logger    *logutil.Logger
	window    int
}

// NewContextBuilder creates a builder. tok may be nil; budgeting then
// uses the length-based estimate.
func NewContextBuilder(tok *tokenizer.Tokenizer, logger *logutil.Logger, window int) *ContextBuilder {
	if window <= 0 {
		window = DefaultContextWindow
	}
	return &ContextBuilder{
		tokenizer: tok,
		logger:    logger,
		window:    window,
	}
}

// Build produces the backend payload for conv under the given tone.
// Soft-deleted messages never reach the backend.
func (b *ContextBuilder) Build(conv *entities.ConversationRecord, tone entities.Tone) []ports.ChatMessage {
	visible := conv.VisibleMessages()

	var system *ports.ChatMessage
	if prompt := tone.Prompt(); prompt != "" {
		system = &ports.ChatMessage{Role: string(entities.RoleSystem), Content: prompt}
	}

	messages := make([]ports.ChatMessage, 0, len(visible))
	for _, msg := range visible {
		messages = append(messages, ports.ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	messages = b.trimToBudget(messages, system)

	if system != nil {
		return append([]ports.ChatMessage{*system}, messages...)
	}
	return messages
}

// trimToBudget drops the oldest messages until the payload fits the
// token window, always keeping the most recent message.
func (b *ContextBuilder) trimToBudget(messages []ports.ChatMessage, system *ports.ChatMessage) []ports.ChatMessage {
	budget := b.window
	if system != nil {
		budget -= b.count(system.Content)
	}

	total := 0
	for i := range messages {
		total += b.count(messages[i].Content) + 4
	}

	dropped := 0
	for total > budget && len(messages) > 1 {
		total -= b.count(messages[0].Content) + 4
		messages = messages[1:]
		dropped++
	}
	if dropped > 0 {
		b.logger.Debug("trimmed context to token budget", logutil.Fields{
			"dropped": dropped,
			"kept":    len(messages),
		})
	}
	return messages
}

func (b *ContextBuilder) count(text string) int {
	if b.tokenizer != nil {
		return b.tokenizer.CountTokens(text)
	}
	return tokenizer.EstimateFromLength(text)
}
