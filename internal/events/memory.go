package events

import (
	"context"
	"sync"

	"github.com/pitabwire/stageflow/model"
)

type projectKey struct {
	org     string
	project string
}

// MemoryBus is an in-process Bus. Publish invokes the matching handlers
// synchronously; handlers must not block.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[projectKey]map[int]Handler
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[projectKey]map[int]Handler)}
}

// Publish delivers the batch to every subscriber of its project.
func (b *MemoryBus) Publish(_ context.Context, batch model.TaskChangeBatch) error {
	if len(batch.Changes) == 0 {
		return nil
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[projectKey{batch.OrganizationID, batch.ProjectID}]))
	for _, h := range b.subs[projectKey{batch.OrganizationID, batch.ProjectID}] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(batch)
	}
	return nil
}

// Subscribe registers h for the project's batches.
func (b *MemoryBus) Subscribe(_ context.Context, organizationID, projectID string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := projectKey{organizationID, projectID}
	if b.subs[key] == nil {
		b.subs[key] = make(map[int]Handler)
	}
	b.nextID++
	id := b.nextID
	b.subs[key][id] = h
	return &memorySubscription{bus: b, key: key, id: id}, nil
}

// SubscriberCount returns the number of active subscriptions for a project.
func (b *MemoryBus) SubscriberCount(organizationID, projectID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[projectKey{organizationID, projectID}])
}

type memorySubscription struct {
	bus  *MemoryBus
	key  projectKey
	id   int
	once sync.Once
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.subs[s.key], s.id)
		if len(s.bus.subs[s.key]) == 0 {
			delete(s.bus.subs, s.key)
		}
	})
	return nil
}
