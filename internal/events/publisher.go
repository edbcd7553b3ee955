// Package events provides fire-and-forget notification of run and task
// state transitions to external observers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"harvestplane/pkg/api"

	"github.com/google/uuid"
)

const subscriberBuffer = 64

// Publisher fans events out to any number of subscribers. Publishing
// never blocks the orchestration path: a subscriber that cannot keep up
// has the event dropped and logged, never retried inline.
type Publisher struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[int64]chan api.RunEvent
	next int64
	log  *slog.Logger
}

// NewPublisher creates an event publisher.
func NewPublisher(log *slog.Logger) *Publisher {
	return &Publisher{
		subs: make(map[uuid.UUID]map[int64]chan api.RunEvent),
		log:  log,
	}
}

// Subscribe registers an observer for one run's events. The returned
// cancel func must be called when the observer goes away.
func (p *Publisher) Subscribe(runID uuid.UUID) (<-chan api.RunEvent, func()) {
	ch := make(chan api.RunEvent, subscriberBuffer)

	p.mu.Lock()
	id := p.next
	p.next++
	if p.subs[runID] == nil {
		p.subs[runID] = make(map[int64]chan api.RunEvent)
	}
	p.subs[runID][id] = ch
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		if m := p.subs[runID]; m != nil {
			if _, ok := m[id]; ok {
				delete(m, id)
				close(ch)
			}
			if len(m) == 0 {
				delete(p.subs, runID)
			}
		}
		p.mu.Unlock()
	}
	return ch, cancel
}

// PublishRun emits a run state transition.
func (p *Publisher) PublishRun(runID uuid.UUID, status string) {
	p.publish(runID, api.RunEvent{
		Type:   "run",
		RunID:  runID.String(),
		Status: status,
		At:     time.Now().UTC(),
	})
}

// PublishTask emits a task state transition.
func (p *Publisher) PublishTask(runID, taskID uuid.UUID, providerName, status string, records int64) {
	p.publish(runID, api.RunEvent{
		Type:     "task",
		RunID:    runID.String(),
		TaskID:   taskID.String(),
		Provider: providerName,
		Status:   status,
		Records:  records,
		At:       time.Now().UTC(),
	})
}

func (p *Publisher) publish(runID uuid.UUID, ev api.RunEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.subs[runID] {
		select {
		case ch <- ev:
		default:
			p.log.Warn("event dropped, slow subscriber", "run_id", runID, "type", ev.Type, "status", ev.Status)
		}
	}
}
