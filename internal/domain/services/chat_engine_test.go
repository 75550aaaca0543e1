package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/turbochat/internal/domain/entities"
	"github.com/username/turbochat/internal/domain/ports"
	"github.com/username/turbochat/pkg/config"
)

func newTestEngine(t *testing.T, backend *mockBackend, gen config.GenerationConfig) (*ChatEngine, *ConversationManager, *notifyRecorder) {
	t.Helper()

	store := newMemStore()
	recorder := &notifyRecorder{}
	logger := testLogger()

	manager := NewConversationManager(store, recorder, logger, 100, 10*time.Millisecond)
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(func() { manager.Close() })

	session := NewSessionContext(backend, store, logger, gen, []string{"qwen"})
	builder := NewContextBuilder(nil, logger, 0)
	reader := NewStreamReader(logger, nil, time.Second, nil)

	engine := NewChatEngine(manager, session, builder, backend, reader, recorder, logger)
	return engine, manager, recorder
}

func TestSendStreamingPath(t *testing.T) {
	backend := &mockBackend{
		streamEvents: []ports.StreamEvent{
			{Type: ports.EventChunk, Data: "The capital "},
			{Type: ports.EventChunk, Data: "is Paris."},
			{Type: ports.EventEnd, Data: "The capital is Paris."},
		},
	}
	engine, manager, _ := newTestEngine(t, backend, config.GenerationConfig{Stream: true, Model: "mistral-7b.gguf"})

	require.NoError(t, engine.Send(context.Background(), "Capital of France?", SendOptions{}))

	conv := manager.Current()
	require.NotNil(t, conv)
	require.Equal(t, 2, conv.MessageCount())
	assert.Equal(t, entities.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "The capital is Paris.", conv.Messages[1].Content)
	require.NotNil(t, conv.Messages[1].Metrics)
	assert.False(t, conv.Messages[1].Metrics.Interrupted)

	require.NotNil(t, backend.lastRequest)
	assert.True(t, backend.lastRequest.Stream)
	assert.False(t, engine.Busy())

	snap := engine.Metrics()
	assert.Equal(t, int64(1), snap.PromptsSent)
	assert.Equal(t, int64(1), snap.ResponsesDone)
}

func TestSendDirectPathForNonStreamingFamily(t *testing.T) {
	backend := &mockBackend{
		chatResult: &ports.ChatResult{Content: "Direct answer.", ResponseTime: 0.9},
	}
	engine, manager, _ := newTestEngine(t, backend, config.GenerationConfig{Stream: true, Model: "qwen2.5-7b.gguf"})

	require.NoError(t, engine.Send(context.Background(), "A question", SendOptions{}))

	conv := manager.Current()
	require.Equal(t, 2, conv.MessageCount())

	answer := conv.Messages[1]
	assert.Equal(t, "Direct answer.", answer.Content)
	require.NotNil(t, answer.Metrics)
	assert.InDelta(t, 0.9, answer.Metrics.Time, 0.001)
	assert.Greater(t, answer.Metrics.Tokens, 0)

	require.NotNil(t, backend.lastRequest)
	assert.False(t, backend.lastRequest.Stream)
}

func TestSendRagPath(t *testing.T) {
	backend := &mockBackend{
		streamEvents: []ports.StreamEvent{
			{Type: ports.EventRagSources, Sources: []entities.RagSource{{Document: "notes.pdf"}}},
			{Type: ports.EventEnd, Data: "Grounded answer."},
		},
	}
	engine, manager, _ := newTestEngine(t, backend, config.GenerationConfig{Stream: true})

	require.NoError(t, engine.Send(context.Background(), "About the notes?", SendOptions{RagCollection: "notes"}))

	answer := manager.Current().Messages[1]
	assert.True(t, answer.UseRag)
	assert.Equal(t, "notes", answer.RagCollection)
	require.Len(t, answer.RagSources, 1)
}

func TestSendSearchPathIntegratesSources(t *testing.T) {
	backend := &mockBackend{
		searchInfo: &entities.SearchInfo{
			Query:   "weather paris",
			Results: []entities.SearchResult{{Title: "Meteo", Link: "https://weather.example/paris"}},
		},
		streamEvents: []ports.StreamEvent{
			{Type: ports.EventEnd, Data: "Sunny, 22 degrees."},
		},
	}
	engine, manager, _ := newTestEngine(t, backend, config.GenerationConfig{Stream: true})

	require.NoError(t, engine.Send(context.Background(), "weather paris", SendOptions{UseSearch: true}))

	answer := manager.Current().Messages[1]
	assert.True(t, answer.UseTurboSearch)
	require.NotNil(t, answer.SearchInfo)
	assert.Contains(t, answer.Content, "Sunny, 22 degrees.")
	assert.Contains(t, answer.Content, "weather.example")
}

func TestRegenerateReplacesLastAssistantMessage(t *testing.T) {
	backend := &mockBackend{
		streamEvents: []ports.StreamEvent{
			{Type: ports.EventChunk, Data: "First answer."},
			{Type: ports.EventEnd, Data: "First answer."},
		},
	}
	engine, manager, _ := newTestEngine(t, backend, config.GenerationConfig{Stream: true, Model: "mistral-7b.gguf"})
	require.NoError(t, engine.Send(context.Background(), "A question", SendOptions{}))

	backend.streamEvents = []ports.StreamEvent{
		{Type: ports.EventChunk, Data: "A better answer."},
		{Type: ports.EventEnd, Data: "A better answer."},
	}
	require.NoError(t, engine.Regenerate(context.Background(), SendOptions{}))

	conv := manager.Current()
	require.Equal(t, 2, conv.MessageCount())
	assert.Equal(t, "A better answer.", conv.Messages[1].Content)
	assert.True(t, conv.Messages[1].Regenerated)
	assert.False(t, conv.Messages[1].Edited)

	// The regeneration window must not include the replaced answer
	require.NotNil(t, backend.lastRequest)
	for _, msg := range backend.lastRequest.Messages {
		assert.NotEqual(t, "First answer.", msg.Content)
	}
}

func TestRegenerateWithoutAssistantMessageFails(t *testing.T) {
	backend := &mockBackend{}
	engine, _, _ := newTestEngine(t, backend, config.GenerationConfig{Stream: true})

	assert.Error(t, engine.Regenerate(context.Background(), SendOptions{}))
}

func TestSendRejectsWhileBusy(t *testing.T) {
	backend := &mockBackend{}
	engine, _, _ := newTestEngine(t, backend, config.GenerationConfig{Stream: true})

	engine.mu.Lock()
	engine.busy = true
	engine.mu.Unlock()

	err := engine.Send(context.Background(), "queued?", SendOptions{})
	assert.ErrorIs(t, err, ErrGenerationInProgress)
}

func TestSendRejectsBlankContent(t *testing.T) {
	backend := &mockBackend{}
	engine, manager, _ := newTestEngine(t, backend, config.GenerationConfig{Stream: true})

	err := engine.Send(context.Background(), "   ", SendOptions{})
	assert.ErrorIs(t, err, ErrMessageRejected)
	assert.Nil(t, manager.Current())
	assert.False(t, engine.Busy())
}

func TestSendBackendFailureNotifiesAndResets(t *testing.T) {
	backend := &mockBackend{chatErr: context.DeadlineExceeded}
	engine, manager, recorder := newTestEngine(t, backend, config.GenerationConfig{Stream: false})

	err := engine.Send(context.Background(), "doomed request", SendOptions{})
	require.Error(t, err)

	assert.Greater(t, recorder.count(), 0)
	assert.False(t, engine.Busy())
	// The user message stays; only the assistant reply is missing
	assert.Equal(t, 1, manager.Current().MessageCount())
}

func TestStopCommitsPartialAsInterrupted(t *testing.T) {
	backend := &mockBackend{}
	engine, manager, _ := newTestEngine(t, backend, config.GenerationConfig{Stream: true, Model: "mistral-7b.gguf"})

	// Feed two chunks then block so Stop catches the stream mid-flight
	events := make(chan ports.StreamEvent)
	backend.streamFn = func() <-chan ports.StreamEvent { return events }

	done := make(chan error, 1)
	go func() {
		done <- engine.Send(context.Background(), "long question", SendOptions{})
	}()

	events <- ports.StreamEvent{Type: ports.EventChunk, Data: "The answer"}
	events <- ports.StreamEvent{Type: ports.EventChunk, Data: " i"}
	engine.Stop()

	require.NoError(t, <-done)

	conv := manager.Current()
	require.Equal(t, 2, conv.MessageCount())
	answer := conv.Messages[1]
	assert.Equal(t, "The answer i", answer.Content)
	require.NotNil(t, answer.Metrics)
	assert.True(t, answer.Metrics.Interrupted)
}
