// Package monitor reads queue statistics from the RabbitMQ management API.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ErrQueueNotFound is returned when the management API does not know the queue
var ErrQueueNotFound = errors.New("monitor: queue not found")

// QueueInfo contains queue statistics
type QueueInfo struct {
	Name            string  `json:"name"`
	VHost           string  `json:"vhost"`
	Messages        int     `json:"messages"`
	MessagesReady   int     `json:"messagesReady"`
	MessagesUnacked int     `json:"messagesUnacked"`
	Consumers       int     `json:"consumers"`
	PublishRate     float64 `json:"publishRate"`
	AckRate         float64 `json:"ackRate"`
	State           string  `json:"state"`
	Durable         bool    `json:"durable"`
}

// ManagementClient queries the RabbitMQ management HTTP API
type ManagementClient struct {
	managementURL string
	vhost         string
	username      string
	password      string
	httpClient    *http.Client
}

// ClientOption configures the management client
type ClientOption func(*ManagementClient)

// WithManagementURL sets the API base, e.g. http://localhost:15672/api
func WithManagementURL(u string) ClientOption {
	return func(c *ManagementClient) {
		if u != "" {
			c.managementURL = u
		}
	}
}

// WithHTTPClient replaces the default client (10s timeout)
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *ManagementClient) {
		c.httpClient = hc
	}
}

// NewManagementClient derives credentials, vhost and the management URL
// from an AMQP URL. The management API is assumed on port 15672 of the
// same host unless WithManagementURL says otherwise.
func NewManagementClient(amqpURL string, options ...ClientOption) (*ManagementClient, error) {
	u, err := url.Parse(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("invalid AMQP URL: %w", err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid AMQP URL: missing host")
	}

	c := &ManagementClient{
		managementURL: fmt.Sprintf("http://%s:15672/api", u.Hostname()),
		vhost:         "/",
		username:      "guest",
		password:      "guest",
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
	if u.User != nil {
		c.username = u.User.Username()
		if p, ok := u.User.Password(); ok {
			c.password = p
		}
	}
	if len(u.Path) > 1 {
		c.vhost = u.Path[1:]
	}

	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Queue returns statistics for one queue in the client's vhost
func (c *ManagementClient) Queue(ctx context.Context, name string) (QueueInfo, error) {
	endpoint := "/queues/" + url.PathEscape(c.vhost) + "/" + url.PathEscape(name)

	var q struct {
		Name                   string `json:"name"`
		VHost                  string `json:"vhost"`
		Messages               int    `json:"messages"`
		MessagesReady          int    `json:"messages_ready"`
		MessagesUnacknowledged int    `json:"messages_unacknowledged"`
		Consumers              int    `json:"consumers"`
		State                  string `json:"state"`
		Durable                bool   `json:"durable"`
		MessageStats           struct {
			PublishDetails struct {
				Rate float64 `json:"rate"`
			} `json:"publish_details"`
			AckDetails struct {
				Rate float64 `json:"rate"`
			} `json:"ack_details"`
		} `json:"message_stats"`
	}
	if err := c.get(ctx, endpoint, &q); err != nil {
		return QueueInfo{}, fmt.Errorf("queue %q: %w", name, err)
	}

	return QueueInfo{
		Name:            q.Name,
		VHost:           q.VHost,
		Messages:        q.Messages,
		MessagesReady:   q.MessagesReady,
		MessagesUnacked: q.MessagesUnacknowledged,
		Consumers:       q.Consumers,
		PublishRate:     q.MessageStats.PublishDetails.Rate,
		AckRate:         q.MessageStats.AckDetails.Rate,
		State:           q.State,
		Durable:         q.Durable,
	}, nil
}

// Queues returns statistics for each named queue, in order
func (c *ManagementClient) Queues(ctx context.Context, names ...string) ([]QueueInfo, error) {
	out := make([]QueueInfo, 0, len(names))
	for _, name := range names {
		q, err := c.Queue(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func (c *ManagementClient) get(ctx context.Context, endpoint string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.managementURL+endpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrQueueNotFound
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("management API error: %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
