package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/turbochat/internal/domain/entities"
)

func TestCountTokens(t *testing.T) {
	tok, err := NewTokenizer("gpt-4o-mini")
	require.NoError(t, err)

	assert.Equal(t, 0, tok.CountTokens(""))
	assert.Greater(t, tok.CountTokens("Hello, how are you today?"), 0)

	short := tok.CountTokens("Hi")
	long := tok.CountTokens("This is a noticeably longer sentence with many more words in it.")
	assert.Greater(t, long, short)
}

func TestCountConversationTokensSkipsDeleted(t *testing.T) {
	tok, err := NewTokenizer("local")
	require.NoError(t, err)

	messages := []entities.Message{
		entities.NewMessage(entities.RoleUser, "What is the speed of light?"),
		entities.NewMessage(entities.RoleAssistant, "Roughly 299,792 kilometers per second."),
	}

	full := tok.CountConversationTokens(messages, "You are a helpful assistant.")

	messages[1].MarkDeleted()
	reduced := tok.CountConversationTokens(messages, "You are a helpful assistant.")

	assert.Less(t, reduced, full)
}

func TestEstimateFromLength(t *testing.T) {
	assert.Equal(t, 0, EstimateFromLength(""))
	assert.Equal(t, 1, EstimateFromLength("ab"))
	assert.Equal(t, 25, EstimateFromLength(string(make([]byte, 100))))
}

func TestTruncateToTokenLimit(t *testing.T) {
	tok, err := NewTokenizer("gpt-4")
	require.NoError(t, err)

	text := "The quick brown fox jumps over the lazy dog, again and again and again."

	assert.Equal(t, "", tok.TruncateToTokenLimit(text, 0))
	assert.Equal(t, text, tok.TruncateToTokenLimit(text, 1000))

	truncated := tok.TruncateToTokenLimit(text, 5)
	assert.NotEmpty(t, truncated)
	assert.Less(t, len(truncated), len(text))
	assert.LessOrEqual(t, tok.CountTokens(truncated), 5)
}
