// Package rest implements the Backend port against the turbochat inference
// server's HTTP API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/username/turbochat/internal/domain/entities"
	"github.com/username/turbochat/internal/domain/ports"
	"github.com/username/turbochat/internal/pkg/constants"
)

// Client provides access to the backend REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient carries no timeout; stream lifetime is bounded by the
	// caller's context instead.
	streamClient *http.Client
}

// NewClient creates a new backend API client
func NewClient(baseURL string, requestTimeout time.Duration) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if requestTimeout <= 0 {
		requestTimeout = constants.DefaultRequestTimeout
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		streamClient: &http.Client{},
	}
}

var _ ports.Backend = (*Client)(nil)

// chatEnvelope is the non-streaming /chat response: an OpenAI-style
// completion plus backend timing stats.
type chatEnvelope struct {
	openai.ChatCompletionResponse
	Stats struct {
		ResponseTime  float64 `json:"response_time"`
		MessageLength int     `json:"message_length"`
	} `json:"stats"`
}

// streamEnvelope is the /chat response when streaming is requested
type streamEnvelope struct {
	Status     string              `json:"status"`
	SessionID  string              `json:"session_id"`
	SearchInfo *searchInfoEnvelope `json:"search_info,omitempty"`
}

type searchInfoEnvelope struct {
	Query        string                  `json:"query"`
	Results      []entities.SearchResult `json:"results"`
	TotalResults int                     `json:"total_results"`
	ElapsedTime  float64                 `json:"elapsed_time"`
	Source       string                  `json:"source"`
}

func (e *searchInfoEnvelope) toEntity() *entities.SearchInfo {
	if e == nil {
		return nil
	}
	return &entities.SearchInfo{
		Query:       e.Query,
		Results:     e.Results,
		ElapsedTime: e.ElapsedTime,
	}
}

// wireChatRequest flattens ChatRequest into the backend's envelope, which
// carries sampling parameters at the top level.
type wireChatRequest struct {
	Messages         []ports.ChatMessage `json:"messages"`
	MaxTokens        int                 `json:"max_tokens,omitempty"`
	Temperature      float64             `json:"temperature,omitempty"`
	TopP             float64             `json:"top_p,omitempty"`
	TopK             int                 `json:"top_k,omitempty"`
	FrequencyPenalty float64             `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64             `json:"presence_penalty,omitempty"`
	Stream           bool                `json:"stream"`
}

func toWire(req *ports.ChatRequest) *wireChatRequest {
	return &wireChatRequest{
		Messages:         req.Messages,
		MaxTokens:        req.Params.MaxTokens,
		Temperature:      req.Params.Temperature,
		TopP:             req.Params.TopP,
		TopK:             req.Params.TopK,
		FrequencyPenalty: req.Params.FrequencyPenalty,
		PresencePenalty:  req.Params.PresencePenalty,
		Stream:           req.Stream,
	}
}

// doJSON executes a request with an optional JSON body and decodes the
// JSON response into out (which may be nil to discard the body).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Status returns the backend's view of the active model session
func (c *Client) Status(ctx context.Context) (*ports.ModelStatus, error) {
	var status ports.ModelStatus
	if err := c.doJSON(ctx, "GET", "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// wireModel is one entry of the /models listing
type wireModel struct {
	Filename string  `json:"filename"`
	Path     string  `json:"path"`
	SizeGB   float64 `json:"size_gb"`
	IsActive bool    `json:"is_active"`
}

// Models lists the local model files known to the backend
func (c *Client) Models(ctx context.Context) ([]ports.ModelInfo, error) {
	var response struct {
		Models []wireModel `json:"models"`
	}
	if err := c.doJSON(ctx, "GET", "/models", nil, &response); err != nil {
		return nil, err
	}

	models := make([]ports.ModelInfo, 0, len(response.Models))
	for _, m := range response.Models {
		models = append(models, ports.ModelInfo{
			Name: m.Filename,
			Size: int64(m.SizeGB * float64(1<<30)),
		})
	}
	return models, nil
}

// apiModelEntry tolerates both plain strings and {"name": ...} objects in
// the /api-models listing.
type apiModelEntry struct {
	Name string
}

func (e *apiModelEntry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Name = s
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.Name = obj.Name
	return nil
}

// APIModels lists the selectable models per external provider
func (c *Client) APIModels(ctx context.Context) (map[string][]string, error) {
	var response struct {
		Models map[string][]apiModelEntry `json:"models"`
	}
	if err := c.doJSON(ctx, "GET", "/api-models", nil, &response); err != nil {
		return nil, err
	}

	models := make(map[string][]string, len(response.Models))
	for provider, entries := range response.Models {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.Name != "" {
				names = append(names, e.Name)
			}
		}
		models[provider] = names
	}
	return models, nil
}

// SwitchToLocal returns the backend to a local model file
func (c *Client) SwitchToLocal(ctx context.Context, modelFile string) error {
	path := "/switch-to-local?model_file=" + url.QueryEscape(modelFile)
	return c.doJSON(ctx, "POST", path, nil, nil)
}

// SetAPIKey configures an external provider key and switches the backend
// to that provider.
func (c *Client) SetAPIKey(ctx context.Context, modelType, apiKey, modelName string) error {
	body := map[string]string{
		"model_type": modelType,
		"api_key":    apiKey,
		"model_name": modelName,
	}
	return c.doJSON(ctx, "POST", "/set-api-key", body, nil)
}

// SetSerpAPIKey configures the web-search provider key
func (c *Client) SetSerpAPIKey(ctx context.Context, apiKey string) error {
	body := map[string]string{"api_key": apiKey}
	return c.doJSON(ctx, "POST", "/set-serpapi-key", body, nil)
}

// Chat performs a blocking generation and returns the completed response
func (c *Client) Chat(ctx context.Context, req *ports.ChatRequest) (*ports.ChatResult, error) {
	wire := toWire(req)
	wire.Stream = false

	var envelope chatEnvelope
	if err := c.doJSON(ctx, "POST", "/chat", wire, &envelope); err != nil {
		return nil, err
	}

	if len(envelope.Choices) == 0 {
		return nil, fmt.Errorf("backend returned no choices")
	}

	return &ports.ChatResult{
		Content:      envelope.Choices[0].Message.Content,
		ResponseTime: envelope.Stats.ResponseTime,
	}, nil
}

// OpenStream submits a streaming generation and returns the session handle
func (c *Client) OpenStream(ctx context.Context, req *ports.ChatRequest) (*ports.StreamSession, error) {
	wire := toWire(req)
	wire.Stream = true

	var envelope streamEnvelope
	if err := c.doJSON(ctx, "POST", "/chat", wire, &envelope); err != nil {
		return nil, err
	}
	if envelope.SessionID == "" {
		return nil, fmt.Errorf("backend did not return a stream session")
	}

	return &ports.StreamSession{ID: envelope.SessionID}, nil
}

// ChatWithSearch submits a streaming generation with web-search context.
// The search runs before the stream opens, so its provenance comes back
// with the session handle.
func (c *Client) ChatWithSearch(ctx context.Context, req *ports.ChatRequest) (*ports.StreamSession, *entities.SearchInfo, error) {
	query := lastUserContent(req.Messages)
	wire := toWire(req)
	wire.Stream = true

	path := "/chat-with-search?search_query=" + url.QueryEscape(query)
	var envelope streamEnvelope
	if err := c.doJSON(ctx, "POST", path, wire, &envelope); err != nil {
		return nil, nil, err
	}
	if envelope.SessionID == "" {
		return nil, nil, fmt.Errorf("backend did not return a stream session")
	}

	return &ports.StreamSession{ID: envelope.SessionID}, envelope.SearchInfo.toEntity(), nil
}

// RagChat submits a streaming generation grounded on a knowledge-base
// collection.
func (c *Client) RagChat(ctx context.Context, collection string, req *ports.ChatRequest) (*ports.StreamSession, error) {
	body := map[string]interface{}{
		"collection_name": collection,
		"query":           lastUserContent(req.Messages),
		"top_k":           constants.DefaultRagTopK,
		"stream":          true,
	}

	var envelope streamEnvelope
	if err := c.doJSON(ctx, "POST", "/rag/chat", body, &envelope); err != nil {
		return nil, err
	}
	if envelope.SessionID == "" {
		return nil, fmt.Errorf("backend did not return a stream session")
	}

	return &ports.StreamSession{ID: envelope.SessionID}, nil
}

func lastUserContent(messages []ports.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == string(entities.RoleUser) {
			return messages[i].Content
		}
	}
	return ""
}

// ListCollections lists the backend's knowledge-base collections
func (c *Client) ListCollections(ctx context.Context) ([]ports.RagCollection, error) {
	var response struct {
		Collections []ports.RagCollection `json:"collections"`
	}
	if err := c.doJSON(ctx, "GET", "/rag/collections", nil, &response); err != nil {
		return nil, err
	}
	return response.Collections, nil
}

// CreateCollection creates a named knowledge-base collection
func (c *Client) CreateCollection(ctx context.Context, name, description string) error {
	path := "/rag/collections/" + url.PathEscape(name)
	if description != "" {
		path += "?description=" + url.QueryEscape(description)
	}
	return c.doJSON(ctx, "POST", path, nil, nil)
}

// DeleteCollection removes a knowledge-base collection
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	return c.doJSON(ctx, "DELETE", "/rag/collections/"+url.PathEscape(name), nil, nil)
}

// UploadDocument indexes a document into a collection
func (c *Client) UploadDocument(ctx context.Context, collection, filename string, data []byte) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write form file: %w", err)
	}
	if err := writer.WriteField("collection_name", collection); err != nil {
		return fmt.Errorf("failed to write collection field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/rag/upload", &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// QueryCollection runs a retrieval query against a collection
func (c *Client) QueryCollection(ctx context.Context, collection, query string, topK int) ([]ports.RagQueryResult, error) {
	if topK <= 0 {
		topK = constants.DefaultRagTopK
	}
	body := map[string]interface{}{
		"query":           query,
		"collection_name": collection,
		"top_k":           topK,
		"hybrid_search":   true,
	}

	var response struct {
		Query    string                 `json:"query"`
		Contexts []string               `json:"contexts"`
		Sources  []ports.RagQueryResult `json:"sources"`
	}
	if err := c.doJSON(ctx, "POST", "/rag/query", body, &response); err != nil {
		return nil, err
	}
	return response.Sources, nil
}

// GenerateQuiz asks the backend to generate a quiz with the active model
func (c *Client) GenerateQuiz(ctx context.Context, genReq *ports.QuizGenerationRequest) (*ports.Quiz, error) {
	var response struct {
		Status string      `json:"status"`
		Quiz   *ports.Quiz `json:"quiz"`
	}
	if err := c.doJSON(ctx, "POST", "/quizzes/generate", genReq, &response); err != nil {
		return nil, err
	}
	if response.Quiz == nil {
		return nil, fmt.Errorf("quiz generation returned no quiz")
	}
	return response.Quiz, nil
}

// ListQuizzes lists quizzes, optionally filtered by subject and grade level
func (c *Client) ListQuizzes(ctx context.Context, subject, gradeLevel string) ([]ports.QuizSummary, error) {
	query := url.Values{}
	if subject != "" {
		query.Set("subject", subject)
	}
	if gradeLevel != "" {
		query.Set("grade_level", gradeLevel)
	}
	path := "/quizzes"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var response struct {
		Quizzes []ports.QuizSummary `json:"quizzes"`
	}
	if err := c.doJSON(ctx, "GET", path, nil, &response); err != nil {
		return nil, err
	}
	return response.Quizzes, nil
}

// Quiz fetches a quiz with its full question set
func (c *Client) Quiz(ctx context.Context, id string) (*ports.Quiz, error) {
	var response struct {
		Quiz *ports.Quiz `json:"quiz"`
	}
	if err := c.doJSON(ctx, "GET", "/quizzes/"+url.PathEscape(id), nil, &response); err != nil {
		return nil, err
	}
	if response.Quiz == nil {
		return nil, fmt.Errorf("quiz %s not found", id)
	}
	return response.Quiz, nil
}

// DeleteQuiz removes a quiz
func (c *Client) DeleteQuiz(ctx context.Context, id string) error {
	return c.doJSON(ctx, "DELETE", "/quizzes/"+url.PathEscape(id), nil, nil)
}

// StartQuizAttempt opens an attempt on a quiz and returns the attempt id.
// The endpoint takes form fields rather than a JSON body.
func (c *Client) StartQuizAttempt(ctx context.Context, quizID, studentID, studentName string) (string, error) {
	form := url.Values{}
	form.Set("quiz_id", quizID)
	form.Set("student_id", studentID)
	form.Set("student_name", studentName)

	req, err := http.NewRequestWithContext(ctx, "POST",
		c.baseURL+"/quizzes/attempts/start", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var response struct {
		AttemptID string `json:"attempt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if response.AttemptID == "" {
		return "", fmt.Errorf("attempt start returned no attempt id")
	}
	return response.AttemptID, nil
}

// SubmitQuizAttempt submits the chosen option indexes (-1 for skipped
// questions) and returns the graded result.
func (c *Client) SubmitQuizAttempt(ctx context.Context, attemptID string, answers []int) (*ports.QuizResult, error) {
	var response struct {
		Status string            `json:"status"`
		Result *ports.QuizResult `json:"result"`
	}
	path := "/quizzes/attempts/" + url.PathEscape(attemptID) + "/submit"
	if err := c.doJSON(ctx, "POST", path, answers, &response); err != nil {
		return nil, err
	}
	if response.Result == nil {
		return nil, fmt.Errorf("attempt submission returned no result")
	}
	return response.Result, nil
}

// TokenUsage reports API token consumption; local sessions have none
func (c *Client) TokenUsage(ctx context.Context) (*ports.TokenUsage, error) {
	var response struct {
		TokenUsage *ports.TokenUsage `json:"token_usage"`
		Error      string            `json:"error"`
	}
	if err := c.doJSON(ctx, "GET", "/token-usage", nil, &response); err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, fmt.Errorf("token usage unavailable: %s", response.Error)
	}
	if response.TokenUsage == nil {
		return &ports.TokenUsage{}, nil
	}
	return response.TokenUsage, nil
}

// SystemStats returns backend host telemetry
func (c *Client) SystemStats(ctx context.Context) (*ports.SystemStats, error) {
	var response struct {
		CPUPercent float64 `json:"cpu_percent"`
		Memory     struct {
			Percent float64 `json:"percent"`
		} `json:"memory"`
		Platform string  `json:"platform"`
		Uptime   float64 `json:"uptime"`
	}
	if err := c.doJSON(ctx, "GET", "/system-stats", nil, &response); err != nil {
		return nil, err
	}
	return &ports.SystemStats{
		CPUPercent:    response.CPUPercent,
		MemoryPercent: response.Memory.Percent,
		Platform:      response.Platform,
		Uptime:        response.Uptime,
	}, nil
}

// Ping checks if the backend is reachable
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/status", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend not available: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}
	return nil
}
