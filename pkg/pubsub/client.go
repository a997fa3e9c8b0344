package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/creditmeter/pkg/config"
	"github.com/angelmondragon/creditmeter/pkg/logger"
)

var errProjectIDRequired = errors.New("gcp project id is required")

// Client wraps a Pub/Sub v2 client bound to one project.
type Client struct {
	client    *pubsub.Client
	projectID string
}

// NewClient creates a Pub/Sub client. Credentials come from the config when
// set, otherwise from the ambient application default credentials.
func NewClient(ctx context.Context, gcp config.GCPConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}

	var opts []option.ClientOption
	if gcp.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(gcp.CredentialsJSON)))
	} else if gcp.ApplicationCredentials != "" {
		opts = append(opts, option.WithCredentialsFile(gcp.ApplicationCredentials))
	}

	psClient, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "project", projectID), "pubsub client initialized")
	}
	return &Client{client: psClient, projectID: projectID}, nil
}

// Publisher returns a publisher for a topic id or full resource name.
func (c *Client) Publisher(topic string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	fullName := TopicResourceName(c.projectID, topic)
	if fullName == "" {
		return nil
	}
	return c.client.Publisher(fullName)
}

// PingTopic verifies the topic exists.
func (c *Client) PingTopic(ctx context.Context, topic string) error {
	if c == nil || c.client == nil {
		return errors.New("pubsub client not initialized")
	}
	fullName := TopicResourceName(c.projectID, topic)
	if fullName == "" {
		return fmt.Errorf("topic %q not configured", topic)
	}
	_, err := c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: fullName})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("topic %q does not exist", topic)
		}
		return fmt.Errorf("checking topic %q: %w", topic, err)
	}
	return nil
}

// Close releases the client resources.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// TopicResourceName expands a topic id to projects/<p>/topics/<id>. Full
// resource names pass through.
func TopicResourceName(projectID, topic string) string {
	n := strings.TrimSpace(topic)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/topics/") {
		return n
	}
	p := strings.TrimSpace(projectID)
	if p == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/topics/%s", p, n)
}

// TopicPinger adapts PingTopic to a readiness check for one topic.
type TopicPinger struct {
	Client *Client
	Topic  string
}

func (p TopicPinger) Ping(ctx context.Context) error {
	return p.Client.PingTopic(ctx, p.Topic)
}
