package models

import (
	"time"
)

// NodeStatus represents the lifecycle state of a cluster node
type NodeStatus string

const (
	NodeStatusActive    NodeStatus = "active"
	NodeStatusDraining  NodeStatus = "draining"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// NodeMetrics is the load snapshot a node publishes with its registry record
type NodeMetrics struct {
	Connections       int     `json:"connections"`
	MessagesPerSecond float64 `json:"messages_per_second"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
}

// Node describes one gateway process participating in the cluster.
// The record lives at servers:{id} with a heartbeat-bounded TTL; a node
// is considered alive iff the key is present.
type Node struct {
	ID             string      `json:"id"`
	Address        string      `json:"address"`
	Version        string      `json:"version"`
	Region         string      `json:"region,omitempty"`
	MaxConnections int         `json:"max_connections"`
	Status         NodeStatus  `json:"status"`
	Metrics        NodeMetrics `json:"metrics"`
	StartedAt      time.Time   `json:"started_at"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
}

// LoadFactor returns current connections as a fraction of capacity.
func (n *Node) LoadFactor() float64 {
	if n.MaxConnections <= 0 {
		return 0
	}
	return float64(n.Metrics.Connections) / float64(n.MaxConnections)
}

// Headroom returns how many more connections the node can accept.
func (n *Node) Headroom() int {
	h := n.MaxConnections - n.Metrics.Connections
	if h < 0 {
		return 0
	}
	return h
}

// AcceptsSessions reports whether new sessions may be placed on the node.
func (n *Node) AcceptsSessions() bool {
	return n.Status == NodeStatusActive
}

// Routable reports whether the node participates in cluster routing.
// Draining nodes still receive traffic for their existing sessions.
func (n *Node) Routable() bool {
	return n.Status == NodeStatusActive || n.Status == NodeStatusDraining
}

// LoadMetric is one row of the cluster load view, sorted ascending by load.
type LoadMetric struct {
	ServerID    string  `json:"server_id"`
	Connections int     `json:"connections"`
	MaxCapacity int     `json:"max_capacity"`
	Load        float64 `json:"load"`
}
