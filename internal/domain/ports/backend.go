package ports

import (
	"context"
	"time"

	"github.com/username/turbochat/internal/domain/entities"
)

// ChatMessage is a message as sent to the inference backend
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams are the sampling parameters for a generation request
type GenerationParams struct {
	MaxTokens        int     `json:"max_tokens,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	TopP             float64 `json:"top_p,omitempty"`
	TopK             int     `json:"top_k,omitempty"`
	FrequencyPenalty float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64 `json:"presence_penalty,omitempty"`
}

// ChatRequest is a generation request against the backend
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	Params   GenerationParams
	Stream   bool `json:"stream"`
}

// ChatResult is the outcome of a direct (non-streaming) generation
type ChatResult struct {
	Content       string
	ResponseTime  float64 // seconds, as reported by the backend
	SearchInfo    *entities.SearchInfo
	RagSources    []entities.RagSource
	RagCollection string
}

// StreamSession identifies an open streaming generation on the backend
type StreamSession struct {
	ID string
}

// StreamEventType discriminates inbound stream payloads
type StreamEventType string

const (
	EventChunk      StreamEventType = "chunk"
	EventSearchInfo StreamEventType = "search_info"
	EventRagSources StreamEventType = "rag_sources"
	EventEnd        StreamEventType = "end"
	EventError      StreamEventType = "error"
)

// StreamEvent is one decoded server-sent event. Malformed payloads are
// tolerated upstream and surface here as chunk events carrying raw text.
type StreamEvent struct {
	Type       StreamEventType
	Data       string
	SearchInfo *entities.SearchInfo
	Sources    []entities.RagSource
}

// ModelStatus is the backend's view of the active model/session
type ModelStatus struct {
	Status       string `json:"status"`
	ModelType    string `json:"model_type"`
	ModelName    string `json:"model_name"`
	ModelPath    string `json:"model_path,omitempty"`
	APIConnected bool   `json:"api_connected,omitempty"`
}

// ModelInfo describes one selectable model
type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// RagCollection describes a knowledge-base collection on the backend
type RagCollection struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	DocumentCount int    `json:"document_count"`
}

// RagQueryResult is a scored retrieval hit from a collection query
type RagQueryResult struct {
	Document string  `json:"document"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
}

// QuizQuestion is one multiple-choice question in a quiz
type QuizQuestion struct {
	ID            string   `json:"id,omitempty"`
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correct_answer"`
	Explanation   string   `json:"explanation,omitempty"`
	Difficulty    string   `json:"difficulty,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// Quiz is a generated quiz with its full question set
type Quiz struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	Subject         string         `json:"subject"`
	GradeLevel      string         `json:"grade_level"`
	Questions       []QuizQuestion `json:"questions"`
	CreatedAt       string         `json:"created_at,omitempty"`
	RagCollection   string         `json:"rag_collection,omitempty"`
	DurationMinutes int            `json:"duration_minutes,omitempty"`
}

// QuizSummary is the list view of a quiz, without its questions
type QuizSummary struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	Subject         string `json:"subject"`
	GradeLevel      string `json:"grade_level"`
	QuestionCount   int    `json:"question_count"`
	CreatedAt       string `json:"created_at,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

// QuizGenerationRequest asks the backend to generate a quiz, optionally
// grounded on a knowledge-base collection.
type QuizGenerationRequest struct {
	Subject       string `json:"subject"`
	GradeLevel    string `json:"grade_level"`
	Topic         string `json:"topic"`
	Difficulty    string `json:"difficulty,omitempty"`
	QuestionCount int    `json:"question_count,omitempty"`
	RagCollection string `json:"rag_collection,omitempty"`
}

// QuizResult is the graded outcome of a submitted attempt
type QuizResult struct {
	AttemptID        string   `json:"attempt_id"`
	QuizID           string   `json:"quiz_id"`
	Score            float64  `json:"score"`
	TotalQuestions   int      `json:"total_questions"`
	CorrectAnswers   int      `json:"correct_answers"`
	IncorrectAnswers int      `json:"incorrect_answers"`
	SkippedQuestions int      `json:"skipped_questions"`
	Strengths        []string `json:"strengths,omitempty"`
	Weaknesses       []string `json:"weaknesses,omitempty"`
}

// TokenUsage aggregates API token consumption as reported by the backend
type TokenUsage struct {
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	TotalTokens   int     `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
}

// SystemStats is backend host telemetry
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Platform      string  `json:"platform,omitempty"`
	Uptime        float64 `json:"uptime,omitempty"`
}

// Backend defines the REST/SSE surface of the external inference backend.
// Implementations never interpret conversation state; they move payloads.
type Backend interface {
	// Session and model discovery
	Status(ctx context.Context) (*ModelStatus, error)
	Models(ctx context.Context) ([]ModelInfo, error)
	APIModels(ctx context.Context) (map[string][]string, error)

	// Session and provider configuration
	SwitchToLocal(ctx context.Context, modelFile string) error
	SetAPIKey(ctx context.Context, modelType, apiKey, modelName string) error
	SetSerpAPIKey(ctx context.Context, apiKey string) error

	// Generation. Chat performs a blocking request/response cycle.
	// OpenStream submits the same request with streaming enabled and
	// returns the session to consume via StreamEvents.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)
	OpenStream(ctx context.Context, req *ChatRequest) (*StreamSession, error)
	ChatWithSearch(ctx context.Context, req *ChatRequest) (*StreamSession, *entities.SearchInfo, error)
	RagChat(ctx context.Context, collection string, req *ChatRequest) (*StreamSession, error)

	// StreamEvents opens the server-sent-event channel for a session.
	// Events arrive in order; the channel closes after a terminal event
	// or when ctx is cancelled.
	StreamEvents(ctx context.Context, session *StreamSession) (<-chan StreamEvent, error)

	// Knowledge-base management
	ListCollections(ctx context.Context) ([]RagCollection, error)
	CreateCollection(ctx context.Context, name, description string) error
	DeleteCollection(ctx context.Context, name string) error
	UploadDocument(ctx context.Context, collection, filename string, data []byte) error
	QueryCollection(ctx context.Context, collection, query string, topK int) ([]RagQueryResult, error)

	// Quiz management. Quizzes are generated and graded server-side;
	// attempts are identified by the id StartQuizAttempt returns.
	GenerateQuiz(ctx context.Context, req *QuizGenerationRequest) (*Quiz, error)
	ListQuizzes(ctx context.Context, subject, gradeLevel string) ([]QuizSummary, error)
	Quiz(ctx context.Context, id string) (*Quiz, error)
	DeleteQuiz(ctx context.Context, id string) error
	StartQuizAttempt(ctx context.Context, quizID, studentID, studentName string) (string, error)
	SubmitQuizAttempt(ctx context.Context, attemptID string, answers []int) (*QuizResult, error)

	// Telemetry
	TokenUsage(ctx context.Context) (*TokenUsage, error)
	SystemStats(ctx context.Context) (*SystemStats, error)

	// Health check
	Ping(ctx context.Context) error
}
