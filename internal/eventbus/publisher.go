package eventbus

import (
	"context"
	"sync"

	"github.com/davidahmann/orca/pkg/types"
)

// Publisher delivers decision events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event types.CloudEvent) error
	Close() error
}

// MemoryPublisher keeps published events in order. It backs local runs
// without a broker.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []types.CloudEvent
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(ctx context.Context, event types.CloudEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *MemoryPublisher) Events() []types.CloudEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.CloudEvent, len(p.events))
	copy(out, p.events)
	return out
}

func (p *MemoryPublisher) Close() error { return nil }
