package websocket

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	"github.com/axonpuls/axonpuls/pkg/models"
	"github.com/axonpuls/axonpuls/pkg/router"
)

// Connection is one client socket: a read pump handling inbound frames and
// a write pump owning all outbound writes. Nothing writes to the socket
// except the write pump.
type Connection struct {
	server  *Server
	ws      *websocket.Conn
	session *models.Session
	limiter *rate.Limiter

	send   chan *Frame
	ctx    context.Context
	cancel context.CancelFunc

	subsMu sync.Mutex
	subs   map[string]func()

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newConnection(server *Server, ws *websocket.Conn, session *models.Session) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		server:  server,
		ws:      ws,
		session: session,
		limiter: rate.NewLimiter(rate.Limit(server.config.MessageRate), server.config.MessageBurst),
		send:    make(chan *Frame, server.config.SendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]func()),
	}
}

// run drives the connection until the socket closes, then tears down the
// session record.
func (c *Connection) run() {
	c.wg.Add(1)
	go c.writePump()

	c.readPump()
	c.close(websocket.StatusNormalClosure, "")
	c.wg.Wait()
}

func (c *Connection) readPump() {
	for {
		var frame Frame
		if err := wsjson.Read(c.ctx, c.ws, &frame); err != nil {
			return
		}
		if !c.limiter.Allow() {
			c.enqueue(errorFrame(CodeRateLimited, "message rate exceeded"))
			continue
		}

		switch frame.Type {
		case FramePing:
			c.enqueue(&Frame{Type: FramePong})
		case FrameSubscribe:
			c.handleSubscribe(frame.Channel)
		case FrameUnsubscribe:
			c.handleUnsubscribe(frame.Channel)
		case FramePublish:
			c.handlePublish(&frame)
		default:
			c.enqueue(errorFrame(CodeBadFrame, "unknown frame type"))
		}
	}
}

func (c *Connection) writePump() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.server.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.send:
			if err := c.writeFrame(frame); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.server.config.WriteTimeout)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *Connection) writeFrame(frame *Frame) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.server.config.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, frame)
}

// enqueue hands a frame to the write pump without blocking the caller. A
// full buffer means a client that cannot keep up; the frame is dropped and
// counted.
func (c *Connection) enqueue(frame *Frame) {
	select {
	case c.send <- frame:
	default:
		c.server.metrics.IncrementCounterWithLabels("websocket_frames_dropped_total", 1, map[string]string{
			"session_id": c.session.ID,
		})
	}
}

// channelAllowed enforces org scoping: a session may only touch channels
// under its own org.
func (c *Connection) channelAllowed(channel string) bool {
	return strings.HasPrefix(channel, "org:"+c.session.OrgID+":")
}

func (c *Connection) handleSubscribe(channel string) {
	if channel == "" {
		c.enqueue(errorFrame(CodeBadFrame, "subscribe requires a channel"))
		return
	}
	if !c.channelAllowed(channel) {
		c.server.logger.Warn("Subscribe rejected for foreign org channel", map[string]interface{}{
			"session_id": c.session.ID,
			"org_id":     c.session.OrgID,
			"channel":    channel,
		})
		c.enqueue(errorFrame(CodeOrgMismatch, "channel belongs to another org"))
		return
	}

	c.subsMu.Lock()
	if _, exists := c.subs[channel]; exists {
		c.subsMu.Unlock()
		c.enqueue(ackFrame(channel))
		return
	}
	ch, cancelSub := c.server.stream.Subscribe(channel)
	c.subs[channel] = cancelSub
	channels := c.channelList()
	c.subsMu.Unlock()

	c.wg.Add(1)
	go c.forward(ch)

	if err := c.server.manager.Touch(c.ctx, c.session.ID, channels); err != nil {
		c.server.logger.Warn("Failed to record subscription", map[string]interface{}{
			"session_id": c.session.ID,
			"error":      err.Error(),
		})
	}
	c.enqueue(ackFrame(channel))
}

func (c *Connection) handleUnsubscribe(channel string) {
	c.subsMu.Lock()
	cancelSub, exists := c.subs[channel]
	if exists {
		delete(c.subs, channel)
	}
	channels := c.channelList()
	c.subsMu.Unlock()

	if exists {
		cancelSub()
		if err := c.server.manager.Touch(c.ctx, c.session.ID, channels); err != nil {
			c.server.logger.Warn("Failed to record unsubscription", map[string]interface{}{
				"session_id": c.session.ID,
				"error":      err.Error(),
			})
		}
	}
	c.enqueue(ackFrame(channel))
}

func (c *Connection) handlePublish(frame *Frame) {
	if frame.Event == nil || frame.Channel == "" {
		c.enqueue(errorFrame(CodeBadFrame, "publish requires a channel and an event"))
		return
	}
	if !c.channelAllowed(frame.Channel) {
		c.enqueue(errorFrame(CodeOrgMismatch, "channel belongs to another org"))
		return
	}

	event := frame.Event
	if event.ID == "" {
		event.ID = models.NewID()
	}
	event.Channel = frame.Channel
	event.Timestamp = c.server.clock.Now()

	if err := c.server.manager.Touch(c.ctx, c.session.ID, nil); err != nil {
		c.server.logger.Warn("Failed to touch session on publish", map[string]interface{}{
			"session_id": c.session.ID,
			"error":      err.Error(),
		})
	}

	if err := c.server.stream.Publish(c.ctx, event); err != nil {
		c.enqueue(errorFrame(CodePublishFail, "local publish failed"))
		return
	}
	if _, err := c.server.router.Broadcast(c.ctx, c.session.OrgID, frame.Channel, event, router.SendOptions{ExcludeSelf: true}); err != nil {
		c.server.logger.Warn("Cross-server broadcast failed", map[string]interface{}{
			"session_id": c.session.ID,
			"channel":    frame.Channel,
			"error":      err.Error(),
		})
		c.enqueue(errorFrame(CodePublishFail, "cluster publish failed"))
		return
	}

	c.server.metrics.IncrementCounterWithLabels("websocket_published_total", 1, map[string]string{
		"org_id": c.session.OrgID,
	})
	c.enqueue(ackFrame(frame.Channel))
}

// forward moves one stream subscription onto the socket.
func (c *Connection) forward(ch <-chan *models.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			c.enqueue(eventFrame(event))
		}
	}
}

// channelList snapshots subscription names; callers hold subsMu.
func (c *Connection) channelList() []string {
	channels := make([]string, 0, len(c.subs))
	for channel := range c.subs {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

func (c *Connection) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()

		c.subsMu.Lock()
		for _, cancelSub := range c.subs {
			cancelSub()
		}
		c.subs = make(map[string]func())
		c.subsMu.Unlock()

		_ = c.ws.Close(status, reason)

		if err := c.server.manager.Unregister(context.Background(), c.session.ID); err != nil {
			c.server.logger.Warn("Failed to unregister session", map[string]interface{}{
				"session_id": c.session.ID,
				"error":      err.Error(),
			})
		}
		c.server.dropConnection(c.session.ID)

		c.server.logger.Info("Session closed", map[string]interface{}{
			"session_id": c.session.ID,
		})
	})
}
