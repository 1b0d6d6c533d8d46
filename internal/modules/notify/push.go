// README: Firebase Cloud Messaging sink backed by a Redis registry of device tokens.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"
	"github.com/redis/go-redis/v9"

	"courierhub/internal/types"
)

const deviceKeyPrefix = "notify:devices:%s"

type DeviceRegistry interface {
	Register(ctx context.Context, recipient types.ID, token string) error
	Tokens(ctx context.Context, recipient types.ID) ([]string, error)
	Remove(ctx context.Context, recipient types.ID, token string) error
}

type RedisDevices struct {
	redis *redis.Client
}

func NewRedisDevices(redis *redis.Client) *RedisDevices {
	return &RedisDevices{redis: redis}
}

func (d *RedisDevices) Register(ctx context.Context, recipient types.ID, token string) error {
	return d.redis.SAdd(ctx, deviceKey(recipient), token).Err()
}

func (d *RedisDevices) Tokens(ctx context.Context, recipient types.ID) ([]string, error) {
	return d.redis.SMembers(ctx, deviceKey(recipient)).Result()
}

func (d *RedisDevices) Remove(ctx context.Context, recipient types.ID, token string) error {
	return d.redis.SRem(ctx, deviceKey(recipient), token).Err()
}

func deviceKey(recipient types.ID) string {
	return fmt.Sprintf(deviceKeyPrefix, string(recipient))
}

// MessagingClient is the slice of *messaging.Client used for pushes.
type MessagingClient interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type FCMPusher struct {
	client  MessagingClient
	devices DeviceRegistry
	log     *slog.Logger
}

func NewFCMPusher(client MessagingClient, devices DeviceRegistry, logger *slog.Logger) *FCMPusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FCMPusher{client: client, devices: devices, log: logger.With("component", "notify.fcm")}
}

// Publish pushes env to every registered device of the recipient and prunes unregistered tokens.
func (p *FCMPusher) Publish(ctx context.Context, env Envelope) error {
	tokens, err := p.devices.Tokens(ctx, env.RecipientID)
	if err != nil {
		return fmt.Errorf("load device tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	resp, err := p.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens: tokens,
		Data: map[string]string{
			"event_type": string(env.EventType),
			"order_id":   string(env.OrderID),
			"chat_id":    string(env.ChatID),
			"summary":    env.Summary,
		},
		Notification: &messaging.Notification{
			Title: env.Title,
			Body:  env.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}

	for i, r := range resp.Responses {
		if r.Success || i >= len(tokens) {
			continue
		}
		if messaging.IsUnregistered(r.Error) {
			if err := p.devices.Remove(ctx, env.RecipientID, tokens[i]); err != nil {
				p.log.Warn("prune device token", "recipient_id", env.RecipientID, "error", err)
			}
			continue
		}
		p.log.Warn("push to device failed", "recipient_id", env.RecipientID, "error", r.Error)
	}
	return nil
}
