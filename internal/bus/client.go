package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	nc "github.com/nats-io/nats.go"
)

// Client wraps a NATS connection with the publish/subscribe convenience
// methods this daemon's components use for JSON-encoded signals, adapted
// from the reference fleet monitor's nats.Client.
type Client struct {
	conn *nc.Conn
}

// NewClient connects to url with indefinite reconnect, matching the
// reference's resilience posture for an embedded, always-local broker.
func NewClient(url string) (*Client, error) {
	opts := []nc.Option{
		nc.ReconnectWait(time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				log.Printf("[BUS] disconnected: %v", err)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			log.Printf("[BUS] reconnected to %s", conn.ConnectedUrl())
		}),
	}
	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// PublishJSON marshals v and publishes it to subject.
func (c *Client) PublishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal bus message for %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers handler for every message on subject, decoding JSON
// into a value of the type handler expects via the raw bytes it receives.
func (c *Client) Subscribe(subject string, handler func([]byte)) (*nc.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nc.Msg) { handler(msg.Data) })
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// RoutingTick signals the Routing Engine that it should attempt a claim
// pass. The daemon publishes one every probe interval; enqueueing an item
// or releasing a session does not publish one.
type RoutingTick struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// ProbeUpdate fans out a session's freshly observed state, consumed by the
// Lifecycle Supervisor so it can react without its own probe subscription.
type ProbeUpdate struct {
	SessionName string    `json:"session_name"`
	Status      string    `json:"status"`
	At          time.Time `json:"at"`
}

// OutcomeEvent announces a recorded session outcome, published by the
// Drift & Circuit Control component from RecordOutcome after it has updated
// the session's stability score.
type OutcomeEvent struct {
	WorkItemID  string    `json:"work_item_id"`
	SessionName string    `json:"session_name"`
	Success     bool      `json:"success"`
	At          time.Time `json:"at"`
}
