package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/turbochat/internal/domain/entities"
)

func buildConversation(contents ...string) *entities.ConversationRecord {
	conv := entities.NewConversationRecord()
	for i, content := range contents {
		role := entities.RoleUser
		if i%2 == 1 {
			role = entities.RoleAssistant
		}
		conv.Append(entities.NewMessage(role, content))
	}
	return conv
}

func TestBuildExcludesDeletedMessages(t *testing.T) {
	builder := NewContextBuilder(nil, testLogger(), 0)

	conv := buildConversation("first question", "first answer", "second question")
	conv.Messages[1].MarkDeleted()

	payload := builder.Build(conv, entities.ToneDefault)

	require.Len(t, payload, 2)
	assert.Equal(t, "first question", payload[0].Content)
	assert.Equal(t, "second question", payload[1].Content)
}

func TestBuildPrependsTonePrompt(t *testing.T) {
	builder := NewContextBuilder(nil, testLogger(), 0)
	conv := buildConversation("explain gravity")

	payload := builder.Build(conv, entities.ToneTeacher)

	require.Len(t, payload, 2)
	assert.Equal(t, string(entities.RoleSystem), payload[0].Role)
	assert.Equal(t, entities.ToneTeacher.Prompt(), payload[0].Content)
	assert.Equal(t, "explain gravity", payload[1].Content)

	// Default tone adds no system message
	payload = builder.Build(conv, entities.ToneDefault)
	require.Len(t, payload, 1)
	assert.Equal(t, string(entities.RoleUser), payload[0].Role)
}

func TestBuildTrimsOldestToBudget(t *testing.T) {
	// Tiny window forces trimming; no tokenizer so len/4 estimates apply
	builder := NewContextBuilder(nil, testLogger(), 60)

	long := strings.Repeat("wordy filler content ", 10)
	conv := buildConversation(long, long, "final short question")

	payload := builder.Build(conv, entities.ToneDefault)

	require.NotEmpty(t, payload)
	// The most recent message always survives
	assert.Equal(t, "final short question", payload[len(payload)-1].Content)
	assert.Less(t, len(payload), 3)
}

func TestBuildEmptyConversation(t *testing.T) {
	builder := NewContextBuilder(nil, testLogger(), 0)
	conv := entities.NewConversationRecord()

	assert.Empty(t, builder.Build(conv, entities.ToneDefault))
}
