package models

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// NewID returns a cluster-unique identifier for sessions and messages.
func NewID() string {
	return uuid.NewString()
}

// NewNodeID returns an identifier for this process, stable for its lifetime.
// The hostname prefix keeps registry listings readable in multi-node logs.
func NewNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
