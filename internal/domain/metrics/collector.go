package metrics

import (
	"sort"
	"sync"
	"time"
)

// maxSamples bounds the rolling window used for latency percentiles.
const maxSamples = 20

// Sample records a single completed generation
type Sample struct {
	Mode        string        `json:"mode"`
	Duration    time.Duration `json:"duration"`
	Tokens      int           `json:"tokens"`
	Interrupted bool          `json:"interrupted"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Snapshot is a point-in-time copy of aggregated session metrics
type Snapshot struct {
	PromptsSent     int64         `json:"prompts_sent"`
	ResponsesDone   int64         `json:"responses_done"`
	Interrupted     int64         `json:"interrupted"`
	TokensGenerated int64         `json:"tokens_generated"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	P95ResponseTime time.Duration `json:"p95_response_time"`
	LastUpdate      time.Time     `json:"last_update"`
}

// Collector aggregates generation statistics for the current session.
// All methods are safe for concurrent use.
type Collector struct {
	mu          sync.RWMutex
	samples     []Sample
	prompts     int64
	responses   int64
	interrupted int64
	tokens      int64
	lastUpdate  time.Time
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		samples:    make([]Sample, 0, maxSamples),
		lastUpdate: time.Now(),
	}
}

// RecordPrompt counts a user prompt accepted for generation
func (c *Collector) RecordPrompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts++
	c.lastUpdate = time.Now()
}

// RecordResponse records a completed generation
func (c *Collector) RecordResponse(sample Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	c.samples = append(c.samples, sample)
	if len(c.samples) > maxSamples {
		c.samples = c.samples[len(c.samples)-maxSamples:]
	}

	c.responses++
	c.tokens += int64(sample.Tokens)
	if sample.Interrupted {
		c.interrupted++
	}
	c.lastUpdate = sample.Timestamp
}

// Snapshot returns current aggregated metrics
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		PromptsSent:     c.prompts,
		ResponsesDone:   c.responses,
		Interrupted:     c.interrupted,
		TokensGenerated: c.tokens,
		LastUpdate:      c.lastUpdate,
	}

	if len(c.samples) == 0 {
		return snap
	}

	durations := make([]time.Duration, len(c.samples))
	var sum time.Duration
	for i, s := range c.samples {
		durations[i] = s.Duration
		sum += s.Duration
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	snap.AvgResponseTime = sum / time.Duration(len(durations))
	snap.P95ResponseTime = durations[int(float64(len(durations))*0.95)]
	return snap
}

// Reset clears all collected metrics
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples = c.samples[:0]
	c.prompts = 0
	c.responses = 0
	c.interrupted = 0
	c.tokens = 0
	c.lastUpdate = time.Now()
}
