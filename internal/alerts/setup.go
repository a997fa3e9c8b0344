package alerts

import (
	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/creditmeter/pkg/config"
	"github.com/angelmondragon/creditmeter/pkg/logger"
	redisclient "github.com/angelmondragon/creditmeter/pkg/redis"
)

// FromConfig assembles the notifier chain. Alerts are always logged; the
// webhook, Redis and GCP Pub/Sub legs are added when configured. A nil Redis
// client selects the in-process cooldown.
func FromConfig(cfg config.AlertsConfig, logg *logger.Logger, client *redisclient.Client, topic *gcppubsub.Publisher) (Notifier, error) {
	chain := Multi{NewLogNotifier(logg)}
	if cfg.WebhookURL != "" {
		webhook, err := NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookTimeout)
		if err != nil {
			return nil, err
		}
		chain = append(chain, webhook)
	}
	if cfg.RedisChannel != "" && client != nil {
		pub, err := NewRedisNotifier(client, cfg.RedisChannel)
		if err != nil {
			return nil, err
		}
		chain = append(chain, pub)
	}
	if topic != nil {
		pub, err := NewPubSubNotifier(topic, cfg.WebhookTimeout)
		if err != nil {
			return nil, err
		}
		chain = append(chain, pub)
	}

	var cooldown Cooldown
	if client != nil {
		cooldown = NewRedisCooldown(client, cfg.Cooldown)
	} else {
		cooldown = NewMemoryCooldown(cfg.Cooldown)
	}
	return NewThrottled(chain, cooldown), nil
}
