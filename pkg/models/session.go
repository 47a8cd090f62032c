package models

import (
	"time"

	"github.com/pkg/errors"
)

// SessionStatus represents the lifecycle state of a distributed connection
type SessionStatus string

const (
	SessionStatusConnected    SessionStatus = "connected"
	SessionStatusDisconnected SessionStatus = "disconnected"
	SessionStatusMigrating    SessionStatus = "migrating"
)

// Session is the cluster-visible record of one WebSocket connection.
// It lives at connections:{id} and is indexed by hosting server, org and
// (optionally) user. last_activity drives stale-connection cleanup.
type Session struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id,omitempty"`
	OrgID        string                 `json:"org_id"`
	ServerID     string                 `json:"server_id"`
	SocketID     string                 `json:"socket_id"`
	ClientType   string                 `json:"client_type,omitempty"`
	Status       SessionStatus          `json:"status"`
	Channels     []string               `json:"channels,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	ConnectedAt  time.Time              `json:"connected_at"`
	LastActivity time.Time              `json:"last_activity"`
}

// Validate checks the fields required before a session may be registered.
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if s.OrgID == "" {
		return errors.New("session org id is required")
	}
	if s.ServerID == "" {
		return errors.New("session server id is required")
	}
	return nil
}

// IdleSince reports how long the session has been without inbound activity.
func (s *Session) IdleSince(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

// HasChannel reports whether the session is subscribed to the channel.
func (s *Session) HasChannel(channel string) bool {
	for _, c := range s.Channels {
		if c == channel {
			return true
		}
	}
	return false
}
