// Package events carries task change batches from the stores to the realtime
// listeners, either in process or over NATS.
package events

import (
	"context"

	"github.com/pitabwire/stageflow/model"
)

// Handler receives one batch of task changes. Handlers are called serially
// per subscription, in publish order.
type Handler func(batch model.TaskChangeBatch)

// Publisher emits task change batches.
type Publisher interface {
	Publish(ctx context.Context, batch model.TaskChangeBatch) error
}

// Source delivers the task change batches of a single project.
type Source interface {
	Subscribe(ctx context.Context, organizationID, projectID string, h Handler) (Subscription, error)
}

// Bus is both ends of a change feed.
type Bus interface {
	Publisher
	Source
}

// Subscription is an active feed registration.
type Subscription interface {
	Unsubscribe() error
}
