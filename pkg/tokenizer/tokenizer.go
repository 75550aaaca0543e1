package tokenizer

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/username/turbochat/internal/domain/entities"
)

// Tokenizer provides token counting functionality
type Tokenizer struct {
	encoding     *tiktoken.Tiktoken
	encodingName string
}

// NewTokenizer creates a new tokenizer for the given model
func NewTokenizer(model string) (*Tokenizer, error) {
	var encodingName string

	// Map model names to appropriate encodings
	switch {
	case strings.Contains(model, "gpt-4"):
		encodingName = "cl100k_base"
	case strings.Contains(model, "gpt-3.5"):
		encodingName = "cl100k_base"
	case strings.Contains(model, "gpt-3"):
		encodingName = "p50k_base"
	default:
		// Local and non-OpenAI API models approximate well with cl100k_base
		encodingName = "cl100k_base"
	}

	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %s: %w", encodingName, err)
	}

	return &Tokenizer{
		encoding:     encoding,
		encodingName: encodingName,
	}, nil
}

// CountTokens counts tokens in a text string
func (t *Tokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}

	tokens := t.encoding.Encode(text, nil, nil)
	return len(tokens)
}

// CountMessageTokens counts tokens in a message, including role and formatting overhead
func (t *Tokenizer) CountMessageTokens(message *entities.Message) int {
	if message == nil {
		return 0
	}

	contentTokens := t.CountTokens(message.Content)

	// OpenAI format adds approximately 3-4 tokens per message for formatting
	roleTokens := t.CountTokens(string(message.Role))
	formatOverhead := 4

	return contentTokens + roleTokens + formatOverhead
}

// CountConversationTokens counts total tokens across the visible messages
// of a conversation plus an optional system prompt.
func (t *Tokenizer) CountConversationTokens(messages []entities.Message, systemPrompt string) int {
	total := 0

	if systemPrompt != "" {
		total += t.CountTokens(systemPrompt)
		total += 4 // formatting overhead
	}

	for i := range messages {
		if messages[i].Deleted {
			continue
		}
		total += t.CountMessageTokens(&messages[i])
	}

	// Small buffer for conversation-level formatting
	total += 2

	return total
}

// EstimateFromLength approximates a token count from raw character length.
// This matches the rough len/4 heuristic used for streamed responses where
// the backend reports no usage.
func EstimateFromLength(text string) int {
	if text == "" {
		return 0
	}
	estimate := len(text) / 4
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// TruncateToTokenLimit truncates text to fit within a token limit
func (t *Tokenizer) TruncateToTokenLimit(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}

	tokens := t.encoding.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}

	return t.encoding.Decode(tokens[:maxTokens])
}
