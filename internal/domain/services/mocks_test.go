package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/username/turbochat/internal/domain/entities"
	"github.com/username/turbochat/internal/domain/ports"
	"github.com/username/turbochat/internal/pkg/logutil"
)

// memStore is an in-memory ConversationStore for tests
type memStore struct {
	mu        sync.Mutex
	saved     []byte
	saveCalls int
	activeID  string
	apiKeys   map[string]string
	autoSave  *bool
	failSave  bool
}

var _ ports.ConversationStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{apiKeys: make(map[string]string)}
}

func (s *memStore) Load(ctx context.Context) ([]*entities.ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		return []*entities.ConversationRecord{}, nil
	}
	var records []*entities.ConversationRecord
	if err := json.Unmarshal(s.saved, &records); err != nil {
		return []*entities.ConversationRecord{}, nil
	}
	return records, nil
}

func (s *memStore) Save(ctx context.Context, records []*entities.ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return context.DeadlineExceeded
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return err
	}
	s.saved = payload
	s.saveCalls++
	return nil
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCalls
}

func (s *memStore) ActiveID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID, nil
}

func (s *memStore) SetActiveID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = id
	return nil
}

func (s *memStore) ClearActiveID(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = ""
	return nil
}

func (s *memStore) APIKey(ctx context.Context, provider string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiKeys[provider], nil
}

func (s *memStore) SetAPIKey(ctx context.Context, provider, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[provider] = key
	return nil
}

func (s *memStore) AutoSaveEnabled(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoSave == nil {
		return true, nil
	}
	return *s.autoSave, nil
}

func (s *memStore) SetAutoSaveEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSave = &enabled
	return nil
}

func (s *memStore) Ping(ctx context.Context) error { return nil }
func (s *memStore) Close() error                   { return nil }

// mockBackend is a scriptable Backend for tests
type mockBackend struct {
	statusResult    *ports.ModelStatus
	statusErr       error
	modelsResult    []ports.ModelInfo
	modelsCalls     int
	apiModelsResult map[string][]string
	setKeyErr       error
	setKeyCalls     int

	chatResult   *ports.ChatResult
	chatErr      error
	streamEvents []ports.StreamEvent
	streamFn     func() <-chan ports.StreamEvent
	openErr      error
	searchInfo   *entities.SearchInfo

	lastRequest *ports.ChatRequest
}

var _ ports.Backend = (*mockBackend)(nil)

func (b *mockBackend) Status(ctx context.Context) (*ports.ModelStatus, error) {
	return b.statusResult, b.statusErr
}

func (b *mockBackend) Models(ctx context.Context) ([]ports.ModelInfo, error) {
	b.modelsCalls++
	return b.modelsResult, nil
}

func (b *mockBackend) APIModels(ctx context.Context) (map[string][]string, error) {
	return b.apiModelsResult, nil
}

func (b *mockBackend) SwitchToLocal(ctx context.Context, modelFile string) error { return nil }

func (b *mockBackend) SetAPIKey(ctx context.Context, modelType, apiKey, modelName string) error {
	b.setKeyCalls++
	return b.setKeyErr
}

func (b *mockBackend) SetSerpAPIKey(ctx context.Context, apiKey string) error { return nil }

func (b *mockBackend) Chat(ctx context.Context, req *ports.ChatRequest) (*ports.ChatResult, error) {
	b.lastRequest = req
	return b.chatResult, b.chatErr
}

func (b *mockBackend) OpenStream(ctx context.Context, req *ports.ChatRequest) (*ports.StreamSession, error) {
	b.lastRequest = req
	if b.openErr != nil {
		return nil, b.openErr
	}
	return &ports.StreamSession{ID: "mock-session"}, nil
}

func (b *mockBackend) ChatWithSearch(ctx context.Context, req *ports.ChatRequest) (*ports.StreamSession, *entities.SearchInfo, error) {
	b.lastRequest = req
	return &ports.StreamSession{ID: "mock-search-session"}, b.searchInfo, nil
}

func (b *mockBackend) RagChat(ctx context.Context, collection string, req *ports.ChatRequest) (*ports.StreamSession, error) {
	b.lastRequest = req
	return &ports.StreamSession{ID: "mock-rag-session"}, nil
}

func (b *mockBackend) StreamEvents(ctx context.Context, session *ports.StreamSession) (<-chan ports.StreamEvent, error) {
	if b.streamFn != nil {
		return b.streamFn(), nil
	}
	events := make(chan ports.StreamEvent, len(b.streamEvents))
	for _, event := range b.streamEvents {
		events <- event
	}
	close(events)
	return events, nil
}

func (b *mockBackend) ListCollections(ctx context.Context) ([]ports.RagCollection, error) {
	return nil, nil
}
func (b *mockBackend) CreateCollection(ctx context.Context, name, description string) error {
	return nil
}
func (b *mockBackend) DeleteCollection(ctx context.Context, name string) error { return nil }
func (b *mockBackend) UploadDocument(ctx context.Context, collection, filename string, data []byte) error {
	return nil
}
func (b *mockBackend) QueryCollection(ctx context.Context, collection, query string, topK int) ([]ports.RagQueryResult, error) {
	return nil, nil
}
func (b *mockBackend) GenerateQuiz(ctx context.Context, genReq *ports.QuizGenerationRequest) (*ports.Quiz, error) {
	return nil, nil
}
func (b *mockBackend) ListQuizzes(ctx context.Context, subject, gradeLevel string) ([]ports.QuizSummary, error) {
	return nil, nil
}
func (b *mockBackend) Quiz(ctx context.Context, id string) (*ports.Quiz, error) { return nil, nil }
func (b *mockBackend) DeleteQuiz(ctx context.Context, id string) error          { return nil }
func (b *mockBackend) StartQuizAttempt(ctx context.Context, quizID, studentID, studentName string) (string, error) {
	return "", nil
}
func (b *mockBackend) SubmitQuizAttempt(ctx context.Context, attemptID string, answers []int) (*ports.QuizResult, error) {
	return nil, nil
}
func (b *mockBackend) TokenUsage(ctx context.Context) (*ports.TokenUsage, error) {
	return &ports.TokenUsage{}, nil
}
func (b *mockBackend) SystemStats(ctx context.Context) (*ports.SystemStats, error) {
	return &ports.SystemStats{}, nil
}
func (b *mockBackend) Ping(ctx context.Context) error { return nil }

func testLogger() *logutil.Logger {
	return logutil.NewLogger(logutil.LogConfig{Level: logutil.ERROR, Format: "text", ServiceName: "test"})
}

// discard collects notifications without displaying them
type notifyRecorder struct {
	mu      sync.Mutex
	entries []string
}

func (n *notifyRecorder) Notify(severity ports.Severity, title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, string(severity)+": "+title)
}

func (n *notifyRecorder) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}
