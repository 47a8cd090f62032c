package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Metadata keys stamped on events the router re-injects from peers.
const (
	MetaCrossServer = "cross_server"
	MetaSourceNode  = "source_node"
	MetaRoutedAt    = "routed_at"
)

// Event is the unit the fabric moves. The payload is opaque; routing never
// interprets it.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Channel   string                 `json:"channel,omitempty"`
	Payload   json.RawMessage        `json:"payload,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// WithMetadata returns a shallow copy of the event with the given keys merged
// into its metadata. The original event is not modified.
func (e *Event) WithMetadata(extra map[string]interface{}) *Event {
	out := *e
	out.Metadata = make(map[string]interface{}, len(e.Metadata)+len(extra))
	for k, v := range e.Metadata {
		out.Metadata[k] = v
	}
	for k, v := range extra {
		out.Metadata[k] = v
	}
	return &out
}

// IsCrossServer reports whether the event was re-injected by the router
// rather than produced by a local client.
func (e *Event) IsCrossServer() bool {
	if e.Metadata == nil {
		return false
	}
	v, ok := e.Metadata[MetaCrossServer].(bool)
	return ok && v
}

// ChannelName builds the org-scoped channel form used on the wire.
func ChannelName(orgID, name string) string {
	return fmt.Sprintf("org:%s:%s", orgID, name)
}

// OrgWildcard is the subscription channel receiving every event for an org.
func OrgWildcard(orgID string) string {
	return fmt.Sprintf("org:%s:*", orgID)
}
