package internal_eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	internal_callsession "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/callsession"
	internal_call_entity "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/entity/calls"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/connectors"
)

// Event names pushed to the producer and screener dashboards.
const (
	// EventCallUpdated accompanies every phase-specific event so dashboards
	// can refresh from one subscription.
	EventCallUpdated = "call:updated"

	EventCallQueued    = "call:queued"
	EventCallScreening = "call:screening"
	EventCallApproved  = "call:approved"
	EventCallOnAir     = "call:on-air"
	EventCallOnHold    = "call:on-hold"
	EventCallCompleted = "call:completed"
	EventCallRejected  = "call:rejected"
)

// CallEvent is the payload fanned out on an episode channel.
type CallEvent struct {
	Event     string                                 `json:"event"`
	Call      *internal_call_entity.Call             `json:"call,omitempty"`
	Session   *internal_callsession.CallSessionState `json:"session,omitempty"`
	Timestamp time.Time                              `json:"timestamp"`
}

// Publisher fans call events out to dashboard subscribers. The orchestrator
// treats publishing as best-effort: a down bus never blocks call flow.
type Publisher interface {
	PublishCallEvent(ctx context.Context, episodeID uint64, event CallEvent) error
}

// EpisodeChannel is the pub/sub channel carrying one episode's events.
func EpisodeChannel(episodeID uint64) string {
	return fmt.Sprintf("episode:%d:events", episodeID)
}

type redisPublisher struct {
	redis  connectors.RedisConnector
	logger commons.Logger
}

// NewPublisher creates the redis-backed event publisher.
func NewPublisher(redis connectors.RedisConnector, logger commons.Logger) Publisher {
	return &redisPublisher{redis: redis, logger: logger}
}

func (p *redisPublisher) PublishCallEvent(ctx context.Context, episodeID uint64, event CallEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Event, err)
	}
	channel := EpisodeChannel(episodeID)
	if err := p.redis.Client().Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.Event, channel, err)
	}
	return nil
}

// Subscriber streams one episode's events, used by the websocket fan-out in
// the router.
type Subscriber struct {
	redis  connectors.RedisConnector
	logger commons.Logger
}

// NewSubscriber creates the redis-backed event subscriber.
func NewSubscriber(redis connectors.RedisConnector, logger commons.Logger) *Subscriber {
	return &Subscriber{redis: redis, logger: logger}
}

// Subscribe delivers the episode's events to handler until ctx is canceled.
// Undecodable payloads are logged and dropped.
func (s *Subscriber) Subscribe(ctx context.Context, episodeID uint64, handler func(CallEvent)) error {
	channel := EpisodeChannel(episodeID)
	pubsub := s.redis.Client().Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return nil
			}
			var event CallEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.logger.Warnw("dropping undecodable call event", "channel", channel, "error", err)
				continue
			}
			handler(event)
		}
	}
}
