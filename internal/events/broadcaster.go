// ABOUTME: In-memory fan-out broadcaster implementing the Emitter interface.
// ABOUTME: Subscribers register per agent id and receive events as they occur.

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// AllAgents subscribes to events for every agent.
const AllAgents = "*"

// Broadcaster provides in-memory pub/sub over bridge events. It is the
// default Emitter wired into the gateway; slow subscribers drop events rather
// than block the emitting path.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // agentID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for the default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events on one agent id (or AllAgents). The
// subscription is cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, agentID string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[agentID]; !ok {
		b.subscribers[agentID] = make(map[string]chan Event)
	}
	b.subscribers[agentID][subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(agentID, subID)
	}()

	return ch, subID
}

// Emit publishes an event to subscribers of the event's agent id and of
// AllAgents. Non-blocking: full subscriber channels drop the event.
func (b *Broadcaster) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	// The read lock is held across the sends: Unsubscribe and Close take the
	// write lock before closing a channel, so no close can land mid-send.
	// Sends never block, so holding the lock here is brief.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range []string{e.AgentID, AllAgents} {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- e:
			default:
				b.logger.Debug("dropped event for slow subscriber",
					"event_type", e.Type,
					"agent_id", e.AgentID,
				)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(agentID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[agentID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, agentID)
	}
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for agentID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, agentID)
	}
}
