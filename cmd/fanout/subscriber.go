package main

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/stateflow/common/progress"
)

// Subscriber bridges the owner-scoped progress channels onto the hub
type Subscriber struct {
	redis  *redis.Client
	hub    *Hub
	logger Logger
}

// NewSubscriber creates a progress subscriber
func NewSubscriber(redisClient *redis.Client, hub *Hub, logger Logger) *Subscriber {
	return &Subscriber{redis: redisClient, hub: hub, logger: logger}
}

// Start consumes the pattern subscription until the context is
// cancelled. Events carry resume capabilities, so the owner extracted
// from the channel name decides who may see them.
func (s *Subscriber) Start(ctx context.Context) error {
	pattern := progress.Channel("*")
	pubsub := s.redis.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	s.logger.Info("progress subscription confirmed", "pattern", pattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ownerID := ownerFromChannel(msg.Channel)
			if ownerID == "" {
				s.logger.Warn("event on unexpected channel", "channel", msg.Channel)
				continue
			}
			s.hub.events <- &event{OwnerID: ownerID, Data: []byte(msg.Payload)}
		}
	}
}

// ownerFromChannel inverts progress.Channel
func ownerFromChannel(channel string) string {
	prefix := progress.Channel("")
	if !strings.HasPrefix(channel, prefix) {
		return ""
	}
	return strings.TrimPrefix(channel, prefix)
}
