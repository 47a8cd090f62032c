// Package events is the in-process fan-out between the router, the gateway
// and anything else on this node that consumes events. Publishing never
// blocks: each subscriber owns a bounded buffer and the oldest entry is
// dropped on overflow.
package events

import (
	"context"
	"strings"
	"sync"

	"github.com/axonpuls/axonpuls/pkg/models"
	"github.com/axonpuls/axonpuls/pkg/observability"
)

// DefaultBufferSize is the per-subscriber channel depth.
const DefaultBufferSize = 256

type subscriber struct {
	id int
	ch chan *models.Event
}

// Stream fans events out to channel-scoped subscribers. A subscription on
// the org wildcard (org:{org}:*) receives every event of that org.
type Stream struct {
	logger  observability.Logger
	metrics observability.MetricsClient
	bufSize int

	mu     sync.RWMutex
	subs   map[string][]*subscriber
	nextID int
	closed bool
}

// NewStream creates a stream with the given per-subscriber buffer size.
func NewStream(bufSize int, logger observability.Logger, metrics observability.MetricsClient) *Stream {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Stream{
		logger:  logger.WithPrefix("events"),
		metrics: metrics,
		bufSize: bufSize,
		subs:    make(map[string][]*subscriber),
	}
}

// Subscribe registers interest in one channel (exact match, or an org
// wildcard built with models.OrgWildcard). The cancel closure removes the
// subscription and closes the returned channel.
func (s *Stream) Subscribe(channel string) (<-chan *models.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &subscriber{
		id: s.nextID,
		ch: make(chan *models.Event, s.bufSize),
	}
	s.nextID++
	s.subs[channel] = append(s.subs[channel], sub)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			list := s.subs[channel]
			for i, candidate := range list {
				if candidate.id == sub.id {
					s.subs[channel] = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(s.subs[channel]) == 0 {
				delete(s.subs, channel)
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to subscribers of its channel and of the org
// wildcard. It never blocks; the context is accepted for interface
// symmetry with remote publishers and is only checked for cancellation.
func (s *Stream) Publish(ctx context.Context, event *models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Delivery runs under the read lock: cancel closes a subscriber channel
	// only under the write lock, so a send can never hit a closed channel.
	// Sends are non-blocking, so the hold is bounded.
	s.mu.RLock()
	for _, sub := range s.subs[event.Channel] {
		s.deliver(sub, event)
	}
	if wildcard := wildcardOf(event.Channel); wildcard != "" && wildcard != event.Channel {
		for _, sub := range s.subs[wildcard] {
			s.deliver(sub, event)
		}
	}
	s.mu.RUnlock()

	s.metrics.IncrementCounterWithLabels("events_published_total", 1, map[string]string{
		"cross_server": boolLabel(event.IsCrossServer()),
	})
	return nil
}

// deliver pushes the event, evicting the oldest buffered entry when full.
// The caller holds the read lock.
func (s *Stream) deliver(sub *subscriber, event *models.Event) {
	select {
	case sub.ch <- event:
		return
	default:
	}

	select {
	case <-sub.ch:
		s.metrics.IncrementCounter("events_dropped_total", 1)
	default:
	}

	select {
	case sub.ch <- event:
	default:
		// A concurrent publisher refilled the buffer; this event is the
		// one lost.
		s.metrics.IncrementCounter("events_dropped_total", 1)
	}
}

// SubscriberCount reports the number of subscriptions on a channel.
func (s *Stream) SubscriberCount(channel string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[channel])
}

// wildcardOf maps org:{org}:{name} to org:{org}:*.
func wildcardOf(channel string) string {
	parts := strings.SplitN(channel, ":", 3)
	if len(parts) != 3 || parts[0] != "org" {
		return ""
	}
	return models.OrgWildcard(parts[1])
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
