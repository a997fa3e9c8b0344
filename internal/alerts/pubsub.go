package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
)

const defaultPublishTimeout = 5 * time.Second

type publishResult interface {
	Get(ctx context.Context) (string, error)
}

type topicPublisher interface {
	Publish(ctx context.Context, msg *gcppubsub.Message) publishResult
}

// PubSubNotifier publishes the alert JSON to a GCP Pub/Sub topic and waits
// for the server ack.
type PubSubNotifier struct {
	publisher topicPublisher
	timeout   time.Duration
}

func NewPubSubNotifier(p *gcppubsub.Publisher, timeout time.Duration) (*PubSubNotifier, error) {
	if p == nil {
		return nil, errors.New("pubsub publisher required for alerts")
	}
	return newPubSubNotifier(&gcpPublisher{Publisher: p}, timeout), nil
}

func newPubSubNotifier(p topicPublisher, timeout time.Duration) *PubSubNotifier {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &PubSubNotifier{publisher: p, timeout: timeout}
}

func (n *PubSubNotifier) NotifyLowBalance(ctx context.Context, alert LowBalance) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	msg := &gcppubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_type": "low_balance",
			"tenant_id":  alert.TenantID,
			"created_at": alert.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}

	publishCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	result := n.publisher.Publish(publishCtx, msg)
	if result == nil {
		return errors.New("publisher returned no result")
	}
	if _, err := result.Get(publishCtx); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return p.Publisher.Publish(ctx, msg)
}
