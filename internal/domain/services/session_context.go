package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/username/turbochat/internal/domain/entities"
	"github.com/username/turbochat/internal/domain/ports"
	"github.com/username/turbochat/internal/pkg/logutil"
	"github.com/username/turbochat/pkg/config"
)

// modelCacheTTL is how long discovered model lists stay fresh
const modelCacheTTL = 5 * time.Minute

// Model providers the backend can front
const (
	ProviderLocal      = "local"
	ProviderOpenAI     = "openai"
	ProviderGemini     = "gemini"
	ProviderGroq       = "groq"
	ProviderOpenRouter = "openrouter"
	ProviderSerpAPI    = "serpapi"
)

// StatusBadge is the derived display state of the model session
type StatusBadge struct {
	Label string
	Color string
}

// SessionContext tracks the active model session: which provider and
// model the backend is using, the generation parameters, and cached
// model discovery. API keys configured here flow through both the
// backend and the local store so they survive restarts.
type SessionContext struct {
	backend ports.Backend
	store   ports.ConversationStore
	logger  *logutil.Logger

	mu           sync.Mutex
	modelType    string
	currentModel string
	offline      bool
	params       config.GenerationConfig
	tone         entities.Tone

	noStreamFamilies []string

	cachedModels    []ports.ModelInfo
	cachedAPIModels map[string][]string
	modelsFetched   time.Time
	apiFetched      time.Time
}

// NewSessionContext creates a session context seeded with the configured
// generation defaults.
func NewSessionContext(backend ports.Backend, store ports.ConversationStore, logger *logutil.Logger, gen config.GenerationConfig, noStreamFamilies []string) *SessionContext {
	tone := entities.Tone(gen.Tone)
	if !tone.IsValid() {
		tone = entities.ToneDefault
	}
	return &SessionContext{
		backend:          backend,
		store:            store,
		logger:           logger,
		modelType:        ProviderLocal,
		currentModel:     gen.Model,
		params:           gen,
		tone:             tone,
		noStreamFamilies: noStreamFamilies,
	}
}

// Refresh queries the backend's status and updates the session view.
// An unreachable backend marks the session offline instead of failing.
func (s *SessionContext) Refresh(ctx context.Context) error {
	status, err := s.backend.Status(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.offline = true
		s.logger.Warn("backend status unavailable", logutil.Fields{"error": err.Error()})
		return fmt.Errorf("failed to refresh session status: %w", err)
	}

	s.offline = false
	if status.ModelType != "" {
		s.modelType = status.ModelType
	}
	if status.ModelName != "" {
		s.currentModel = status.ModelName
	}
	return nil
}

// ModelType returns the active provider
func (s *SessionContext) ModelType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelType
}

// CurrentModel returns the active model name
func (s *SessionContext) CurrentModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentModel
}

// Badge derives the display badge for the session
func (s *SessionContext) Badge() StatusBadge {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offline {
		return StatusBadge{Label: "Error", Color: "red"}
	}
	if s.modelType != ProviderLocal && s.currentModel != "" {
		switch s.modelType {
		case ProviderOpenRouter:
			// OpenRouter model ids look like vendor/name:variant
			name := s.currentModel
			if i := strings.LastIndex(name, "/"); i >= 0 {
				name = name[i+1:]
			}
			name = strings.TrimSuffix(name, ":free")
			return StatusBadge{Label: fmt.Sprintf("External API: OpenRouter (%s)", name), Color: "orange"}
		case ProviderOpenAI:
			return StatusBadge{Label: fmt.Sprintf("External API: OpenAI (%s)", s.currentModel), Color: "green"}
		case ProviderGemini:
			return StatusBadge{Label: fmt.Sprintf("External API: Gemini (%s)", s.currentModel), Color: "violet"}
		case ProviderGroq:
			return StatusBadge{Label: fmt.Sprintf("External API: Groq (%s)", s.currentModel), Color: "teal"}
		default:
			return StatusBadge{Label: fmt.Sprintf("External API (%s)", s.currentModel), Color: "blue"}
		}
	}
	if s.modelType == ProviderLocal && s.currentModel != "" {
		return StatusBadge{Label: fmt.Sprintf("Local model: %s", s.currentModel), Color: "blue"}
	}
	return StatusBadge{Label: "Model not loaded", Color: "red"}
}

// SupportsStreaming reports whether the active model can stream. Some
// model families only work through the direct request path.
func (s *SessionContext) SupportsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.params.Stream {
		return false
	}
	model := strings.ToLower(s.currentModel)
	for _, family := range s.noStreamFamilies {
		if family != "" && strings.Contains(model, strings.ToLower(family)) {
			return false
		}
	}
	return true
}

// GenerationParams returns the sampling parameters for outbound requests
func (s *SessionContext) GenerationParams() ports.GenerationParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ports.GenerationParams{
		MaxTokens:        s.params.MaxTokens,
		Temperature:      s.params.Temperature,
		TopP:             s.params.TopP,
		FrequencyPenalty: s.params.FrequencyPenalty,
		PresencePenalty:  s.params.PresencePenalty,
	}
}

// UpdateParameters applies a partial parameter update
func (s *SessionContext) UpdateParameters(update func(*config.GenerationConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(&s.params)
}

// Tone returns the active response tone
func (s *SessionContext) Tone() entities.Tone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tone
}

// SetTone selects the response tone; unknown tones are rejected
func (s *SessionContext) SetTone(tone entities.Tone) bool {
	if !tone.IsValid() {
		s.logger.Warn("rejected unknown tone", logutil.Fields{"tone": string(tone)})
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tone = tone
	return true
}

// Models lists the backend's local model files, cached for a short TTL
func (s *SessionContext) Models(ctx context.Context) ([]ports.ModelInfo, error) {
	s.mu.Lock()
	if s.cachedModels != nil && time.Since(s.modelsFetched) < modelCacheTTL {
		cached := s.cachedModels
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	models, err := s.backend.Models(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cachedModels = models
	s.modelsFetched = time.Now()
	s.mu.Unlock()
	return models, nil
}

// APIModels lists the selectable external-provider models, cached for a
// short TTL.
func (s *SessionContext) APIModels(ctx context.Context) (map[string][]string, error) {
	s.mu.Lock()
	if s.cachedAPIModels != nil && time.Since(s.apiFetched) < modelCacheTTL {
		cached := s.cachedAPIModels
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	models, err := s.backend.APIModels(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cachedAPIModels = models
	s.apiFetched = time.Now()
	s.mu.Unlock()
	return models, nil
}

// InvalidateModelCache forces the next discovery call to hit the backend
func (s *SessionContext) InvalidateModelCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachedModels = nil
	s.cachedAPIModels = nil
}

// ConfigureAPIKey validates a provider key against the backend, switches
// the session to that provider, and persists the key locally.
func (s *SessionContext) ConfigureAPIKey(ctx context.Context, provider, apiKey, modelName string) error {
	if err := s.backend.SetAPIKey(ctx, provider, apiKey, modelName); err != nil {
		return fmt.Errorf("failed to configure %s API key: %w", provider, err)
	}

	if err := s.store.SetAPIKey(ctx, provider, apiKey); err != nil {
		s.logger.Warn("API key accepted but not persisted locally", logutil.Fields{
			"provider": provider,
			"error":    err.Error(),
		})
	}

	s.mu.Lock()
	s.modelType = provider
	if modelName != "" {
		s.currentModel = modelName
	}
	s.offline = false
	s.cachedAPIModels = nil
	s.mu.Unlock()
	return nil
}

// ConfigureSerpAPIKey configures the web-search key on the backend and
// persists it locally.
func (s *SessionContext) ConfigureSerpAPIKey(ctx context.Context, apiKey string) error {
	if err := s.backend.SetSerpAPIKey(ctx, apiKey); err != nil {
		return fmt.Errorf("failed to configure SerpAPI key: %w", err)
	}
	if err := s.store.SetAPIKey(ctx, ProviderSerpAPI, apiKey); err != nil {
		s.logger.Warn("SerpAPI key accepted but not persisted locally", logutil.Fields{
			"error": err.Error(),
		})
	}
	return nil
}

// RestoreAPIKeys pushes locally stored provider keys back to the backend
// after a restart. Missing keys are skipped; push failures are logged
// and do not abort the remaining providers.
func (s *SessionContext) RestoreAPIKeys(ctx context.Context) {
	for _, provider := range []string{ProviderOpenAI, ProviderGemini, ProviderGroq, ProviderOpenRouter} {
		key, err := s.store.APIKey(ctx, provider)
		if err != nil || key == "" {
			continue
		}
		if err := s.backend.SetAPIKey(ctx, provider, key, ""); err != nil {
			s.logger.Warn("failed to restore API key", logutil.Fields{
				"provider": provider,
				"error":    err.Error(),
			})
		}
	}

	if key, err := s.store.APIKey(ctx, ProviderSerpAPI); err == nil && key != "" {
		if err := s.backend.SetSerpAPIKey(ctx, key); err != nil {
			s.logger.Warn("failed to restore SerpAPI key", logutil.Fields{"error": err.Error()})
		}
	}
}

// SwitchToLocal returns the session to a local model file
func (s *SessionContext) SwitchToLocal(ctx context.Context, modelFile string) error {
	if err := s.backend.SwitchToLocal(ctx, modelFile); err != nil {
		return fmt.Errorf("failed to switch to local model: %w", err)
	}

	s.mu.Lock()
	s.modelType = ProviderLocal
	s.currentModel = modelFile
	s.offline = false
	s.mu.Unlock()
	return nil
}

// TokenUsage reports API token consumption for the active provider
func (s *SessionContext) TokenUsage(ctx context.Context) (*ports.TokenUsage, error) {
	return s.backend.TokenUsage(ctx)
}
