// Package routesync tells gateway instances sharing one store that the route
// table changed, so each can rebuild its own copy.
package routesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel carrying route change events.
const DefaultChannel = "relaygate:routes:changed"

// Resubscribe backoff bounds.
const (
	DefaultRetryMin = 500 * time.Millisecond
	DefaultRetryMax = 30 * time.Second
)

// Event is published after an instance changed the stored routes.
type Event struct {
	Instance string    `json:"instance"`
	At       time.Time `json:"at"`
}

// Bus publishes and receives route change events over Redis pub/sub.
type Bus struct {
	client   redis.UniversalClient
	channel  string
	instance string
	logger   *slog.Logger

	retryMin time.Duration
	retryMax time.Duration
}

// New connects to the Redis server at url.
func New(url string, logger *slog.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     []string{opts.Addr},
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewWithClient(client, DefaultChannel, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, channel string, logger *slog.Logger) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		client:   client,
		channel:  channel,
		instance: uuid.NewString(),
		logger:   logger,
		retryMin: DefaultRetryMin,
		retryMax: DefaultRetryMax,
	}
}

// Instance returns the ID this bus stamps on its own events.
func (b *Bus) Instance() string { return b.instance }

// Publish announces a route change.
func (b *Bus) Publish(ctx context.Context) error {
	payload, err := json.Marshal(Event{Instance: b.instance, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish route change: %w", err)
	}
	return nil
}

// Run calls onChange for every event published by another instance until
// ctx is done. Events from this instance are ignored.
//
// When the subscription cannot be established or is lost, Run retries with
// exponential backoff. After resubscribing following a failure it calls
// onChange once, since events published in the gap were missed.
func (b *Bus) Run(ctx context.Context, onChange func(context.Context) error) error {
	backoff := b.retryMin
	missed := false
	for {
		subscribed, err := b.listen(ctx, onChange, missed)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			backoff = b.retryMin
		}
		missed = true
		b.logger.Warn("route change subscription lost, retrying",
			"channel", b.channel, "error", err, "retry_in", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, b.retryMax)
	}
}

// listen holds one subscription until it fails or ctx is done. subscribed
// reports whether the subscription was established at all.
func (b *Bus) listen(ctx context.Context, onChange func(context.Context) error, reload bool) (subscribed bool, err error) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("listening for route changes", "channel", b.channel, "instance", b.instance)

	if reload {
		b.logger.Info("reloading routes after resubscribe")
		if err := onChange(ctx); err != nil {
			b.logger.Error("route reload failed", "error", err)
		}
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-ch:
			if !ok {
				return true, errors.New("subscription closed")
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("ignoring malformed route change event", "error", err)
				continue
			}
			if ev.Instance == b.instance {
				continue
			}
			b.logger.Info("route change received", "from", ev.Instance)
			if err := onChange(ctx); err != nil {
				b.logger.Error("route reload failed", "error", err)
			}
		}
	}
}

// Close releases the Redis client.
func (b *Bus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
