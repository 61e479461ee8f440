package services

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

type EventType string

const (
	EventTypeStatus EventType = "status"
	EventTypeLog    EventType = "log"
)

// Event is a single observation about a job, fanned out to subscribers.
type Event struct {
	JobName   string    `json:"job_name"`
	Type      EventType `json:"type"`
	Data      string    `json:"data"` // JSON payload or raw text
	Timestamp int64     `json:"timestamp"`
}

// EventBus fans job events out to per-job subscribers. Slow subscribers
// drop events rather than block publishers.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event // key: job name
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel receiving events for one job plus an
// unsubscribe func that closes the channel.
func (b *EventBus) Subscribe(jobName string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 64)
	b.subs[jobName] = append(b.subs[jobName], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[jobName]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[jobName] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[jobName]) == 0 {
			delete(b.subs, jobName)
		}
	}

	return ch, unsub
}

// Publish sends an event to all subscribers of the job.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.JobName] {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event channel full, dropping event", "job", e.JobName)
		}
	}
}

// PublishStatus publishes a status-change event with a JSON payload.
func (b *EventBus) PublishStatus(jobName, status string) {
	payload, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		payload = []byte(`{"status":"` + status + `"}`)
	}
	b.Publish(Event{
		JobName:   jobName,
		Type:      EventTypeStatus,
		Data:      string(payload),
		Timestamp: time.Now().Unix(),
	})
}

// PublishLog publishes a free-form log line for a job.
func (b *EventBus) PublishLog(jobName, line string) {
	b.Publish(Event{
		JobName:   jobName,
		Type:      EventTypeLog,
		Data:      line,
		Timestamp: time.Now().Unix(),
	})
}
