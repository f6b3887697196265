package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateRunID generates a unique pipeline run identifier.
func GenerateRunID() string {
	return "run_" + uuid.NewString()
}

// GenerateEventID generates a unique event ID in the format
// "prefix-sourceID-timestamp" where timestamp is nanoseconds since epoch.
func GenerateEventID(prefix string, sourceID string) string {
	return fmt.Sprintf("%s-%s-%d", prefix, sourceID, time.Now().UnixNano())
}
