package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/username/turbochat/internal/domain/entities"
	"github.com/username/turbochat/internal/domain/metrics"
	"github.com/username/turbochat/internal/domain/ports"
	"github.com/username/turbochat/internal/pkg/logutil"
	"github.com/username/turbochat/pkg/tokenizer"
)

// ErrGenerationInProgress is returned when a send is attempted while a
// generation is already in flight. Submissions are rejected, not queued.
var ErrGenerationInProgress = errors.New("a generation is already in progress")

// ErrMessageRejected is returned when the outbound message fails
// validation.
var ErrMessageRejected = errors.New("message was rejected")

// SendOptions selects the generation path for one send
type SendOptions struct {
	// RagCollection grounds the generation on a knowledge-base collection
	RagCollection string
	// UseSearch runs a web-search pre-pass and folds the results into
	// the generation context.
	UseSearch bool
}

// ChatEngine ties the conversation manager, session context, context
// builder, and backend together into the send/stop control flow. One
// generation may be in flight at a time.
type ChatEngine struct {
	manager  *ConversationManager
	session  *SessionContext
	builder  *ContextBuilder
	backend  ports.Backend
	reader   *StreamReader
	notifier ports.Notifier
	logger   *logutil.Logger
	metrics  *metrics.Collector

	mu     sync.Mutex
	busy   bool
	cancel context.CancelFunc
}

// NewChatEngine wires the engine's collaborators together
func NewChatEngine(manager *ConversationManager, session *SessionContext, builder *ContextBuilder, backend ports.Backend, reader *StreamReader, notifier ports.Notifier, logger *logutil.Logger) *ChatEngine {
	return &ChatEngine{
		manager:  manager,
		session:  session,
		builder:  builder,
		backend:  backend,
		reader:   reader,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics.NewCollector(),
	}
}

// Metrics returns a snapshot of this session's generation statistics
func (e *ChatEngine) Metrics() metrics.Snapshot {
	return e.metrics.Snapshot()
}

// Busy reports whether a generation is in flight
func (e *ChatEngine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// Stop cooperatively cancels the in-flight generation. Partial streamed
// text is committed as an interrupted message rather than discarded.
func (e *ChatEngine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// acquire claims the busy flag and derives a cancellable context
func (e *ChatEngine) acquire(ctx context.Context) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return nil, ErrGenerationInProgress
	}
	genCtx, cancel := context.WithCancel(ctx)
	e.busy = true
	e.cancel = cancel
	return genCtx, nil
}

func (e *ChatEngine) release() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.busy = false
	e.mu.Unlock()
}

// Send appends the user message and runs one generation cycle, blocking
// until the assistant message is finalized and committed. The path is
// chosen from the options and the session's streaming capability; every
// path populates the same message shape.
func (e *ChatEngine) Send(ctx context.Context, content string, opts SendOptions) error {
	genCtx, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer e.release()

	userMsg := entities.NewMessage(entities.RoleUser, content)
	if !e.manager.AddMessage(userMsg) {
		return ErrMessageRejected
	}
	e.metrics.RecordPrompt()

	conv := e.manager.Current()
	assistant, mode, err := e.generate(genCtx, conv, opts)
	if err != nil {
		return err
	}

	if assistant.Content == "" {
		// Cancelled before any text arrived; nothing to commit
		return nil
	}
	if !e.manager.AddMessage(*assistant) {
		return ErrMessageRejected
	}
	e.recordResponse(assistant, mode)
	e.notifyInterrupted(assistant)
	return nil
}

// Regenerate re-runs the generation behind the conversation's last
// assistant message and replaces its content in place, marking it
// regenerated. The context window is rebuilt from the messages that
// preceded it.
func (e *ChatEngine) Regenerate(ctx context.Context, opts SendOptions) error {
	genCtx, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer e.release()

	conv := e.manager.Current()
	if conv == nil {
		return fmt.Errorf("no conversation to regenerate in")
	}
	index := lastAssistantIndex(conv)
	if index < 0 {
		return fmt.Errorf("no assistant message to regenerate")
	}

	window := &entities.ConversationRecord{Messages: conv.Messages[:index]}
	assistant, mode, err := e.generate(genCtx, window, opts)
	if err != nil {
		return err
	}

	if assistant.Content == "" {
		return nil
	}
	update := MessageUpdate{
		Content:    &assistant.Content,
		Metrics:    assistant.Metrics,
		SearchInfo: assistant.SearchInfo,
		RagSources: assistant.RagSources,
	}
	if !e.manager.RegenerateResponse(index, update) {
		return ErrMessageRejected
	}
	e.recordResponse(assistant, mode)
	e.notifyInterrupted(assistant)
	return nil
}

// generate runs one generation over the given window. The path is chosen
// from the options and the session's streaming capability; every path
// populates the same message shape.
func (e *ChatEngine) generate(ctx context.Context, window *entities.ConversationRecord, opts SendOptions) (*entities.Message, string, error) {
	req := &ports.ChatRequest{
		Messages: e.builder.Build(window, e.session.Tone()),
		Params:   e.session.GenerationParams(),
	}

	var assistant *entities.Message
	var mode string
	var err error
	switch {
	case opts.UseSearch:
		mode = "search"
		assistant, err = e.streamWithSearch(ctx, req)
	case opts.RagCollection != "":
		mode = "rag"
		assistant, err = e.streamWithRag(ctx, req, opts.RagCollection)
	case e.session.SupportsStreaming():
		mode = "stream"
		assistant, err = e.stream(ctx, req)
	default:
		mode = "direct"
		assistant, err = e.direct(ctx, req)
	}

	if err != nil {
		e.logger.Error("generation failed", logutil.Fields{"error": err.Error()})
		if e.notifier != nil {
			e.notifier.Notify(ports.SeverityError, "Generation failed", err.Error())
		}
		return nil, mode, err
	}
	return assistant, mode, nil
}

func (e *ChatEngine) recordResponse(assistant *entities.Message, mode string) {
	if assistant.Metrics == nil {
		return
	}
	e.metrics.RecordResponse(metrics.Sample{
		Mode:        mode,
		Duration:    time.Duration(assistant.Metrics.Time * float64(time.Second)),
		Tokens:      assistant.Metrics.Tokens,
		Interrupted: assistant.Metrics.Interrupted,
	})
}

func (e *ChatEngine) notifyInterrupted(assistant *entities.Message) {
	if assistant.Metrics != nil && assistant.Metrics.Interrupted && e.notifier != nil {
		e.notifier.Notify(ports.SeverityInfo, "Generation stopped",
			"The partial response was kept in the conversation.")
	}
}

// lastAssistantIndex finds the newest non-deleted assistant message
func lastAssistantIndex(conv *entities.ConversationRecord) int {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == entities.RoleAssistant && !conv.Messages[i].Deleted {
			return i
		}
	}
	return -1
}

// stream runs the standard streaming path
func (e *ChatEngine) stream(ctx context.Context, req *ports.ChatRequest) (*entities.Message, error) {
	req.Stream = true
	session, err := e.backend.OpenStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	events, err := e.backend.StreamEvents(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to consume stream: %w", err)
	}
	return e.reader.Read(ctx, events, ReadOptions{})
}

// streamWithSearch runs the web-search pre-pass then streams with the
// search provenance attached.
func (e *ChatEngine) streamWithSearch(ctx context.Context, req *ports.ChatRequest) (*entities.Message, error) {
	req.Stream = true
	session, searchInfo, err := e.backend.ChatWithSearch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to open search stream: %w", err)
	}

	events, err := e.backend.StreamEvents(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to consume stream: %w", err)
	}
	return e.reader.Read(ctx, events, ReadOptions{SearchInfo: searchInfo})
}

// streamWithRag streams a generation grounded on a knowledge-base
// collection.
func (e *ChatEngine) streamWithRag(ctx context.Context, req *ports.ChatRequest, collection string) (*entities.Message, error) {
	req.Stream = true
	session, err := e.backend.RagChat(ctx, collection, req)
	if err != nil {
		return nil, fmt.Errorf("failed to open RAG stream: %w", err)
	}

	events, err := e.backend.StreamEvents(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to consume stream: %w", err)
	}
	return e.reader.Read(ctx, events, ReadOptions{UseRag: true, RagCollection: collection})
}

// direct runs the blocking request/response cycle used for model
// families that do not stream. The resulting message is shaped exactly
// like a streamed one.
func (e *ChatEngine) direct(ctx context.Context, req *ports.ChatRequest) (*entities.Message, error) {
	req.Stream = false
	result, err := e.backend.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("direct generation failed: %w", err)
	}

	msg := entities.NewMessage(entities.RoleAssistant, result.Content)
	msg.Metrics = &entities.MessageMetrics{
		Tokens: tokenizer.EstimateFromLength(result.Content),
		Time:   result.ResponseTime,
	}
	if result.SearchInfo != nil {
		msg.UseTurboSearch = true
		msg.SearchInfo = result.SearchInfo
	}
	if len(result.RagSources) > 0 {
		msg.UseRag = true
		msg.RagSources = result.RagSources
		msg.RagCollection = result.RagCollection
	}
	return &msg, nil
}
