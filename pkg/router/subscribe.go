package router

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/axonpuls/axonpuls/pkg/models"
	"github.com/axonpuls/axonpuls/pkg/observability"
)

// Start attaches the router to the cluster bus: one subscription for
// cross-server events and one for acks addressed to this node. Both loops
// run until ctx ends; Wait blocks until they have drained.
func (r *Router) Start(ctx context.Context) error {
	keys := r.rdb.Keys()

	eventsSub := r.rdb.Subscribe(ctx, keys.EventsChannel())
	if _, err := eventsSub.Receive(ctx); err != nil {
		_ = eventsSub.Close()
		return err
	}
	ackSub := r.rdb.Subscribe(ctx, keys.AckChannel(r.registry.ServerID()))
	if _, err := ackSub.Receive(ctx); err != nil {
		_ = eventsSub.Close()
		_ = ackSub.Close()
		return err
	}

	r.subscribed.Store(true)
	r.logger.Info("Router subscribed", map[string]interface{}{
		"server_id": r.registry.ServerID(),
	})

	r.wg.Add(2)
	go r.messageLoop(ctx, eventsSub)
	go r.ackLoop(ctx, ackSub)
	return nil
}

// Wait blocks until the receive loops have stopped.
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) messageLoop(ctx context.Context, sub *goredis.PubSub) {
	defer r.wg.Done()
	defer r.subscribed.Store(false)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handleMessage(ctx, []byte(msg.Payload))
		}
	}
}

func (r *Router) ackLoop(ctx context.Context, sub *goredis.PubSub) {
	defer r.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handleAck([]byte(msg.Payload))
		}
	}
}

// handleMessage applies one raw bus message: drop if unparseable, not
// addressed to this node, or already seen; otherwise stamp provenance
// metadata, re-inject into the local stream, and ack when asked to.
func (r *Router) handleMessage(ctx context.Context, raw []byte) {
	var msg models.CrossServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.logger.Warn("Dropping unparseable cross-server message", map[string]interface{}{
			"error": err.Error(),
		})
		r.countDrop("parse_error")
		return
	}

	self := r.registry.ServerID()
	if !msg.AddressedTo(self) {
		r.countDrop("unaddressed")
		return
	}
	if _, dup := r.seen.Get(msg.ID); dup {
		// Ack already went out on first receipt.
		r.countDrop("duplicate")
		return
	}
	r.seen.Add(msg.ID, r.clock.Now())

	ctx, span := observability.StartSpan(ctx, "router.receive")
	defer span.End()
	span.SetAttribute("message_id", msg.ID)
	span.SetAttribute("source_server", msg.SourceServerID)

	routed := msg.Event.WithMetadata(map[string]interface{}{
		models.MetaCrossServer: true,
		models.MetaSourceNode:  msg.SourceServerID,
		models.MetaRoutedAt:    r.clock.Now().Format(time.RFC3339Nano),
	})
	if routed.Channel == "" {
		routed.Channel = msg.Channel
	}

	err := r.stream.Publish(ctx, routed)
	if err != nil {
		span.RecordError(err)
		r.logger.Error("Local re-injection failed", map[string]interface{}{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
	} else {
		r.metrics.IncrementCounterWithLabels("router_received_total", 1, map[string]string{
			"kind": string(msg.Kind),
		})
	}

	if msg.AckRequested {
		r.sendAck(ctx, &msg, err)
	}
}

func (r *Router) sendAck(ctx context.Context, msg *models.CrossServerMessage, deliveryErr error) {
	ack := models.Ack{
		MessageID: msg.ID,
		ServerID:  r.registry.ServerID(),
		Status:    models.AckStatusDelivered,
		Timestamp: r.clock.Now(),
	}
	if deliveryErr != nil {
		ack.Status = models.AckStatusFailed
		ack.Error = deliveryErr.Error()
	}

	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	if err := r.rdb.Publish(ctx, r.rdb.Keys().AckChannel(msg.SourceServerID), data); err != nil {
		r.logger.Warn("Failed to publish ack", map[string]interface{}{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
	}
}

func (r *Router) handleAck(raw []byte) {
	var ack models.Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		r.logger.Warn("Dropping unparseable ack", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	r.ackMu.Lock()
	defer r.ackMu.Unlock()
	existing, _ := r.acks.Get(ack.MessageID)
	r.acks.Add(ack.MessageID, append(existing, ack))
}

func (r *Router) countDrop(reason string) {
	r.metrics.IncrementCounterWithLabels("router_dropped_total", 1, map[string]string{
		"reason": reason,
	})
}
