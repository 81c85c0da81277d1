// Package ws publishes saga transitions to Redis for live UIs.
package ws

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	defaultSagaEventChannel = "saga:events"
	txIDPlaceholder         = "{txId}"
)

// Publisher publishes saga events.
type Publisher struct {
	client   *redis.Client
	channel  string
	perTxKey bool
}

// NewPublisher creates a publisher. A channel containing {txId} fans each
// saga out to its own channel.
func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = defaultSagaEventChannel
	}
	return &Publisher{
		client:   client,
		channel:  channel,
		perTxKey: strings.Contains(channel, txIDPlaceholder),
	}
}

// PublishTransition publishes one saga log transition.
func (p *Publisher) PublishTransition(ctx context.Context, txID, state string, data interface{}) error {
	return p.publish(ctx, txID, "transition", state, data)
}

// PublishOutcome publishes the final result returned to the caller.
func (p *Publisher) PublishOutcome(ctx context.Context, txID string, outcome interface{}) error {
	return p.publish(ctx, txID, "outcome", "", outcome)
}

func (p *Publisher) publish(ctx context.Context, txID, kind, state string, data interface{}) error {
	payload := map[string]interface{}{
		"channel": "saga",
		"kind":    kind,
		"txId":    txID,
		"data":    data,
	}
	if state != "" {
		payload["state"] = state
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.target(txID), raw).Err()
}

func (p *Publisher) target(txID string) string {
	if p.perTxKey {
		return strings.ReplaceAll(p.channel, txIDPlaceholder, txID)
	}
	return p.channel
}
