package models

import (
	"time"
)

// MessageKind is the addressing mode of a cross-server message
type MessageKind string

const (
	MessageKindBroadcast MessageKind = "broadcast"
	MessageKindMulticast MessageKind = "multicast"
	MessageKindUnicast   MessageKind = "unicast"
)

// CrossServerMessage is the envelope carrying an event between nodes over
// the shared pub/sub channel. A copy is stored at cross-server:messages:{id}
// for the TTL window; receivers cache the id for duplicate suppression.
type CrossServerMessage struct {
	ID             string      `json:"id"`
	Kind           MessageKind `json:"kind"`
	SourceServerID string      `json:"source_server_id"`
	TargetServerIDs []string   `json:"target_server_ids,omitempty"`
	OrgID          string      `json:"org_id"`
	UserID         string      `json:"user_id,omitempty"`
	Channel        string      `json:"channel"`
	Event          Event       `json:"event"`
	Timestamp      time.Time   `json:"timestamp"`
	TTLSeconds     int         `json:"ttl_seconds"`
	AckRequested   bool        `json:"ack_requested"`
}

// AddressedTo reports whether the message should be applied on the given
// node. Broadcasts address everyone except the source; targeted kinds only
// the listed nodes.
func (m *CrossServerMessage) AddressedTo(serverID string) bool {
	if m.SourceServerID == serverID {
		return false
	}
	if len(m.TargetServerIDs) == 0 {
		return true
	}
	for _, id := range m.TargetServerIDs {
		if id == serverID {
			return true
		}
	}
	return false
}

// AckStatus is the outcome a receiver reports for one message
type AckStatus string

const (
	AckStatusDelivered AckStatus = "delivered"
	AckStatusFailed    AckStatus = "failed"
)

// Ack confirms (or reports failure of) local delivery of a cross-server
// message at one receiving node. Published on cross-server:ack:{source}.
type Ack struct {
	MessageID string    `json:"message_id"`
	ServerID  string    `json:"server_id"`
	Status    AckStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}
