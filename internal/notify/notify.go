// Package notify delivers fire-and-forget notifications about stage
// transitions, unblocked tasks and progress milestones. Delivery failures are
// logged and never reach the caller.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/events"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/model"
)

// Notifier is the engine-facing notification API. It has no error return.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification)
}

// Sink performs the actual delivery of a notification.
type Sink interface {
	Deliver(ctx context.Context, n model.Notification) error
}

// Delivery statuses reported to the status callback.
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Noop discards every notification.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(context.Context, model.Notification) {}

// Guarded delivers to a sink through a circuit breaker and swallows errors.
type Guarded struct {
	name     string
	sink     Sink
	breaker  *Breaker
	logger   *zap.Logger
	onStatus func(kind, status string)
}

// NewGuarded wraps sink. onStatus may be nil.
func NewGuarded(name string, sink Sink, breaker *Breaker, logger *zap.Logger, onStatus func(kind, status string)) *Guarded {
	if breaker == nil {
		breaker = NewBreaker(BreakerConfig{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if onStatus == nil {
		onStatus = func(string, string) {}
	}
	return &Guarded{name: name, sink: sink, breaker: breaker, logger: logger, onStatus: onStatus}
}

// Notify delivers n unless the breaker is open.
func (g *Guarded) Notify(ctx context.Context, n model.Notification) {
	if err := g.breaker.Allow(); err != nil {
		g.onStatus(n.Kind, StatusSkipped)
		g.logger.Debug("notification skipped", zap.String("sink", g.name), zap.String("kind", n.Kind))
		return
	}
	err := g.sink.Deliver(ctx, n)
	g.breaker.Record(err)
	if err != nil {
		g.onStatus(n.Kind, StatusFailed)
		g.logger.Warn("notification delivery failed",
			zap.String("sink", g.name),
			zap.String("kind", n.Kind),
			zap.String("project_id", n.ProjectID),
			zap.Error(err),
		)
		return
	}
	g.onStatus(n.Kind, StatusDelivered)
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

// Notify calls every notifier in order.
func (m Multi) Notify(ctx context.Context, n model.Notification) {
	for _, nt := range m {
		nt.Notify(ctx, n)
	}
}

// LogSink writes notifications to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Deliver logs the notification at info level.
func (s *LogSink) Deliver(_ context.Context, n model.Notification) error {
	s.logger.Info("notification",
		zap.String("kind", n.Kind),
		zap.String("organization_id", n.OrganizationID),
		zap.String("project_id", n.ProjectID),
		zap.String("task_id", n.TaskID),
		zap.String("message", n.Message),
	)
	return nil
}

// NATSSink publishes notifications as JSON on "<prefix>.notifications.<kind>".
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink creates a NATSSink. An empty prefix defaults to "stageflow".
func NewNATSSink(conn *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "stageflow"
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// Subject returns the subject a notification kind is published on.
func (s *NATSSink) Subject(kind string) string {
	return fmt.Sprintf("%s.notifications.%s", s.prefix, events.SubjectToken(kind))
}

// Deliver publishes the notification.
func (s *NATSSink) Deliver(ctx context.Context, n model.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := nats.NewMsg(s.Subject(n.Kind))
	msg.Data = data
	observability.InjectTraceHeaders(ctx, http.Header(msg.Header))
	return s.conn.PublishMsg(msg)
}
