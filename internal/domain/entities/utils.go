package entities

import (
	"github.com/google/uuid"
)

// GenerateID creates a unique identifier for conversations
func GenerateID() string {
	return uuid.NewString()
}
