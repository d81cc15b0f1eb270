package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/model"
)

// NATSBus publishes task change batches as JSON on
// "<prefix>.tasks.<organization>.<project>" and subscribes to the same subjects.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSBus creates a bus over an established connection. An empty prefix
// defaults to "stageflow".
func NewNATSBus(conn *nats.Conn, prefix string, logger *zap.Logger) *NATSBus {
	if prefix == "" {
		prefix = "stageflow"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSBus{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject a project's batches are published on.
func (b *NATSBus) Subject(organizationID, projectID string) string {
	return fmt.Sprintf("%s.tasks.%s.%s", b.prefix, SubjectToken(organizationID), SubjectToken(projectID))
}

// Publish marshals the batch and publishes it with the caller's trace context
// in the message headers.
func (b *NATSBus) Publish(ctx context.Context, batch model.TaskChangeBatch) error {
	if len(batch.Changes) == 0 {
		return nil
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal task change batch: %w", err)
	}
	subject := b.Subject(batch.OrganizationID, batch.ProjectID)
	msg := nats.NewMsg(subject)
	msg.Data = data
	observability.InjectTraceHeaders(ctx, http.Header(msg.Header))
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %q: %w", subject, err)
	}
	return nil
}

// Subscribe registers h on the project's subject. NATS delivers messages of
// one subscription serially, which preserves publish order per project.
func (b *NATSBus) Subscribe(_ context.Context, organizationID, projectID string, h Handler) (Subscription, error) {
	subject := b.Subject(organizationID, projectID)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var batch model.TaskChangeBatch
		if err := json.Unmarshal(msg.Data, &batch); err != nil {
			b.logger.Warn("dropping malformed task change batch",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		ctx := observability.ExtractTraceContext(context.Background(), http.Header(msg.Header))
		_, span := observability.StartSpan(ctx, "events.Deliver",
			observability.AttrOrganizationID.String(batch.OrganizationID),
			observability.AttrProjectID.String(batch.ProjectID),
		)
		h(batch)
		span.End()
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %q: %w", subject, err)
	}
	return sub, nil
}

// HealthCheck reports whether the connection is usable.
func (b *NATSBus) HealthCheck(_ context.Context) error {
	if b.conn == nil || !b.conn.IsConnected() {
		return errors.New("nats connection is not established")
	}
	return nil
}

// SubjectToken makes an identifier safe to use as a single NATS subject token.
// Separators, wildcards, whitespace, '%' and non-ASCII bytes are
// percent-escaped, so distinct identifiers always map to distinct tokens.
// The empty identifier becomes a lone "%", which no escaped identifier yields.
func SubjectToken(id string) string {
	if id == "" {
		return "%"
	}
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c == '.', c == '*', c == '>', c == '%', c <= ' ', c >= 0x7f:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
