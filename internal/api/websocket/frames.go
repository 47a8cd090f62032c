// Package websocket is the client gateway: it accepts WebSocket sessions,
// authenticates them, registers them with the distributed connection
// manager, and moves events between the socket, the local stream, and the
// cross-server router.
package websocket

import "github.com/axonpuls/axonpuls/pkg/models"

// Client → node frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
	FramePing        = "ping"
)

// Node → client frame types.
const (
	FrameEvent = "event"
	FrameAck   = "ack"
	FrameError = "error"
	FramePong  = "pong"
)

// Stable error codes carried on error frames.
const (
	CodeBadFrame    = "bad_frame"
	CodeOrgMismatch = "org_mismatch"
	CodeRateLimited = "rate_limited"
	CodePublishFail = "publish_failed"
)

// Frame is the minimal client wire protocol. Exactly one of the optional
// fields is meaningful per type.
type Frame struct {
	Type    string        `json:"type"`
	Channel string        `json:"channel,omitempty"`
	Event   *models.Event `json:"event,omitempty"`
	Code    string        `json:"code,omitempty"`
	Message string        `json:"message,omitempty"`
}

func ackFrame(channel string) *Frame {
	return &Frame{Type: FrameAck, Channel: channel}
}

func errorFrame(code, message string) *Frame {
	return &Frame{Type: FrameError, Code: code, Message: message}
}

func eventFrame(event *models.Event) *Frame {
	return &Frame{Type: FrameEvent, Channel: event.Channel, Event: event}
}
