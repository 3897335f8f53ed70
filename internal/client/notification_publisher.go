package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// Publisher sends a payload to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NotificationPublisher turns approval lifecycle events into notification
// messages for the be-plt-notifications service.
//
// Subject convention: <prefix>.<event_type>, e.g.
// notifications.approvals.approval_required
type NotificationPublisher struct {
	pub    Publisher
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType      string         `json:"event_type"`
	OrganizationID string         `json:"organization_id"`
	ActorID        string         `json:"actor_id"`
	Recipients     []string       `json:"recipients"`
	ResourceType   string         `json:"resource_type"`
	ResourceID     string         `json:"resource_id"`
	IsActionable   bool           `json:"is_actionable,omitempty"`
	Severity       string         `json:"severity"`
	Category       string         `json:"category"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher writing under prefix.
func NewNotificationPublisher(pub Publisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{pub: pub, prefix: strings.TrimSuffix(prefix, "."), log: log}
}

// Notify implements service.Notifier.
func (p *NotificationPublisher) Notify(ctx context.Context, e service.Event) error {
	if len(e.Recipients) == 0 {
		return nil
	}

	payload := map[string]any{
		"request_id":  e.RequestID,
		"workflow_id": e.WorkflowID,
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID,
		"step_order":  e.StepOrder,
		"status":      string(e.Status),
	}
	if e.Comments != "" {
		payload["comments"] = e.Comments
	}

	data, err := json.Marshal(&NotificationEvent{
		EventType:      string(e.Type),
		OrganizationID: e.OrganizationID,
		ActorID:        e.ActorID,
		Recipients:     e.Recipients,
		ResourceType:   e.EntityType,
		ResourceID:     e.EntityID,
		IsActionable:   actionable(e.Type),
		Severity:       severity(e.Type),
		Category:       "approval",
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := p.prefix + "." + string(e.Type)
	if err := p.pub.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", e.RequestID).
		Int("recipients", len(e.Recipients)).
		Msg("notification: event published")
	return nil
}

func actionable(t service.EventType) bool {
	return t == service.EventApprovalRequired || t == service.EventStepDelegated
}

func severity(t service.EventType) string {
	if t == service.EventRequestRejected {
		return "warning"
	}
	return "info"
}

// JetStreamPublisher publishes to a JetStream stream and waits for the
// server ack.
type JetStreamPublisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewJetStreamPublisher connects to url and ensures a stream capturing
// <prefix>.> exists.
func NewJetStreamPublisher(ctx context.Context, url, stream, prefix string) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("be-plt-approvals"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{strings.TrimSuffix(prefix, ".") + ".>"},
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}
	return &JetStreamPublisher{nc: nc, js: js}, nil
}

// Publish implements Publisher.
func (p *JetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.js.Publish(ctx, subject, data)
	return err
}

// Close drains the connection.
func (p *JetStreamPublisher) Close() error {
	return p.nc.Drain()
}
