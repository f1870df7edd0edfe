// Package events publishes the signals other parts of the application
// (notification fan-out, feed) consume: a user's daily aggregate is
// ready, or a user needs to reconnect Spotify.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Channel names.
const (
	ChannelRecapReady     = "replay.recap_ready"
	ChannelReauthRequired = "replay.reauth_required"
)

// Publisher emits application events. Delivery is best effort; a
// dropped event never fails the operation that produced it.
type Publisher interface {
	RecapReady(ctx context.Context, userID string, day time.Time)
	ReauthRequired(ctx context.Context, userID string)
}

// RecapReadyEvent is the payload on ChannelRecapReady.
type RecapReadyEvent struct {
	UserID string `json:"userId"`
	Date   string `json:"date"` // YYYY-MM-DD
}

// ReauthRequiredEvent is the payload on ChannelReauthRequired.
type ReauthRequiredEvent struct {
	UserID string `json:"userId"`
}

// RedisBus publishes events over Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	log    *logrus.Entry
}

// NewRedisBus creates a Redis-backed event publisher.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		log:    logrus.WithField("component", "events"),
	}
}

// RecapReady announces that a user's daily aggregate is stored.
func (b *RedisBus) RecapReady(ctx context.Context, userID string, day time.Time) {
	b.publish(ctx, ChannelRecapReady, RecapReadyEvent{
		UserID: userID,
		Date:   day.Format("2006-01-02"),
	})
}

// ReauthRequired announces that a user's Spotify consent lapsed.
func (b *RedisBus) ReauthRequired(ctx context.Context, userID string) {
	b.publish(ctx, ChannelReauthRequired, ReauthRequiredEvent{UserID: userID})
}

func (b *RedisBus) publish(ctx context.Context, channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.WithError(err).Error("encoding event")
		return
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		b.log.WithField("channel", channel).WithError(err).Warn("publishing event")
	}
}

// Recorder is a Publisher that remembers what it saw. Test helper.
type Recorder struct {
	mu      sync.Mutex
	recaps  []RecapReadyEvent
	reauths []ReauthRequiredEvent
}

func (r *Recorder) RecapReady(_ context.Context, userID string, day time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recaps = append(r.recaps, RecapReadyEvent{UserID: userID, Date: day.Format("2006-01-02")})
}

func (r *Recorder) ReauthRequired(_ context.Context, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reauths = append(r.reauths, ReauthRequiredEvent{UserID: userID})
}

// Recaps returns the recorded recap-ready events.
func (r *Recorder) Recaps() []RecapReadyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecapReadyEvent(nil), r.recaps...)
}

// Reauths returns the recorded reauth-required events.
func (r *Recorder) Reauths() []ReauthRequiredEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReauthRequiredEvent(nil), r.reauths...)
}
