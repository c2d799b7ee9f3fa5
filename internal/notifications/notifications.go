// Package notifications is the in-process mediator for drive events.
// Subscribers run synchronously on the publishing goroutine; anything
// slow belongs in its own queue, not in a subscriber.
package notifications

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/odinfed/odinfed-go/internal/drives"
	"github.com/odinfed/odinfed-go/internal/logutil"
)

// EventType identifies what happened to a file.
type EventType string

const (
	FileAdded   EventType = "fileAdded"
	FileChanged EventType = "fileChanged"
	FileDeleted EventType = "fileDeleted"
)

// FileEvent describes a committed change to a file header.
type FileEvent struct {
	Type       EventType
	File       drives.InternalFile
	VersionTag uuid.UUID
}

// Subscriber receives file events. Errors are logged, not propagated;
// a broken subscriber must not fail a commit.
type Subscriber func(ctx context.Context, ev FileEvent) error

// Publisher fans file events out to subscribers.
type Publisher struct {
	mu     sync.RWMutex
	subs   []Subscriber
	logger *slog.Logger
}

// NewPublisher creates a publisher.
func NewPublisher(logger *slog.Logger) *Publisher {
	return &Publisher{logger: logutil.NoopIfNil(logger)}
}

// Subscribe registers a subscriber for all future events.
func (p *Publisher) Subscribe(s Subscriber) {
	p.mu.Lock()
	p.subs = append(p.subs, s)
	p.mu.Unlock()
}

// Publish delivers ev to every subscriber.
func (p *Publisher) Publish(ctx context.Context, ev FileEvent) {
	p.mu.RLock()
	subs := make([]Subscriber, len(p.subs))
	copy(subs, p.subs)
	p.mu.RUnlock()

	for _, s := range subs {
		if err := s(ctx, ev); err != nil {
			p.logger.Warn("notification subscriber failed",
				"event", ev.Type, "file", ev.File.String(), "error", err)
		}
	}
}
