package redis

import "fmt"

// Keys builds every cluster-visible key and channel name under one
// application prefix. These shapes are shared by all nodes; changing an
// existing one is a wire break.
type Keys struct {
	prefix string
}

// NewKeys returns the key scheme for the given prefix.
func NewKeys(prefix string) *Keys {
	if prefix == "" {
		prefix = "axonpuls"
	}
	return &Keys{prefix: prefix}
}

// Prefix returns the configured application prefix.
func (k *Keys) Prefix() string {
	return k.prefix
}

// Connection is the JSON session record for one WebSocket connection.
func (k *Keys) Connection(sessionID string) string {
	return fmt.Sprintf("%s:connections:%s", k.prefix, sessionID)
}

// ServerConnections is the SET of session ids hosted by a node.
func (k *Keys) ServerConnections(serverID string) string {
	return fmt.Sprintf("%s:server-connections:%s", k.prefix, serverID)
}

// OrgConnections is the SET of session ids belonging to an organization.
func (k *Keys) OrgConnections(orgID string) string {
	return fmt.Sprintf("%s:org-connections:%s", k.prefix, orgID)
}

// UserServer maps an org-scoped user to the node hosting their sessions.
func (k *Keys) UserServer(orgID, userID string) string {
	return fmt.Sprintf("%s:user-server:%s:%s", k.prefix, orgID, userID)
}

// Server is the JSON node record with a heartbeat-bounded TTL.
func (k *Keys) Server(serverID string) string {
	return fmt.Sprintf("%s:servers:%s", k.prefix, serverID)
}

// ServerIndex is the SET of node ids in the cluster.
func (k *Keys) ServerIndex() string {
	return fmt.Sprintf("%s:servers:index", k.prefix)
}

// EventsChannel is the global cross-server pub/sub channel.
func (k *Keys) EventsChannel() string {
	return fmt.Sprintf("%s:cross-server:events", k.prefix)
}

// AckChannel is the pub/sub channel for acks directed at a node.
func (k *Keys) AckChannel(serverID string) string {
	return fmt.Sprintf("%s:cross-server:ack:%s", k.prefix, serverID)
}

// Message is the stored copy of a cross-server message.
func (k *Keys) Message(messageID string) string {
	return fmt.Sprintf("%s:cross-server:messages:%s", k.prefix, messageID)
}

// Migration is the JSON migration record for a session hand-off.
func (k *Keys) Migration(sessionID string) string {
	return fmt.Sprintf("%s:migrations:%s", k.prefix, sessionID)
}
