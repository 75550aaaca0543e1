package constants

import "time"

// Application constants
const (
	ServiceName    = "turbochat"
	ServiceVersion = "v1.0.0"
)

// Default timeouts
const (
	DefaultRequestTimeout = 60 * time.Second
	DatabaseTimeout       = 10 * time.Second
	FirstChunkTimeout     = 30 * time.Second
	HealthCheckTimeout    = 5 * time.Second
)

// Database configuration
const (
	DatabaseMaxOpenConns    = 4
	DatabaseMaxIdleConns    = 4
	DatabaseConnMaxLifetime = 5 * time.Minute
)

// Conversation limits
const (
	DefaultMaxSavedConversations = 100
	DefaultRagTopK               = 5
)
