// Package notify fans pipeline events out to notification sinks without
// blocking the publisher.
package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
)

// EventType names a notification.
type EventType string

const (
	EventIssueApplied     EventType = "issue.applied"
	EventIssueNeedsReview EventType = "issue.needs_review"
	EventIssueRolledBack  EventType = "issue.rolled_back"
	EventBatchCompleted   EventType = "batch.completed"
)

// Event is the envelope delivered to sinks.
type Event struct {
	ID        string               `json:"id"`
	Type      EventType            `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	Project   string               `json:"project,omitempty"`
	IssueID   string               `json:"issue_id,omitempty"`
	FilePath  string               `json:"file_path,omitempty"`
	Rule      string               `json:"rule,omitempty"`
	Strategy  schemas.StrategyName `json:"strategy,omitempty"`
	Message   string               `json:"message,omitempty"`
	Summary   *schemas.ScanSummary `json:"summary,omitempty"`
}

// IssueEvent builds an event about one issue.
func IssueEvent(t EventType, issue *schemas.Issue, strategy schemas.StrategyName, msg string) Event {
	return Event{
		Type:     t,
		Project:  issue.Project,
		IssueID:  issue.ID,
		FilePath: issue.FilePath,
		Rule:     issue.Rule,
		Strategy: strategy,
		Message:  msg,
	}
}

// Sink delivers events somewhere.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Publisher is what the pipeline depends on.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// deliveryTimeout bounds a single sink delivery.
const deliveryTimeout = 5 * time.Second

type subscription struct {
	sink  Sink
	types map[EventType]bool
	ch    chan Event
}

// Bus queues events per sink and delivers them on background goroutines.
// Publish never waits for a sink: when a sink's buffer is full the event is
// dropped for that sink and counted.
type Bus struct {
	logger     *zap.Logger
	bufferSize int

	mu   sync.RWMutex
	subs []*subscription

	wg      sync.WaitGroup
	dropped atomic.Int64

	shutdownOnce sync.Once
	isShutdown   bool
}

// NewBus creates a bus whose sinks each buffer up to bufferSize events.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{logger: logger.Named("notify_bus"), bufferSize: bufferSize}
}

// AddSink registers a sink for the given event types, or every type when none
// are given.
func (b *Bus) AddSink(sink Sink, types ...EventType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isShutdown {
		return fmt.Errorf("cannot add sink %s: bus is shut down", sink.Name())
	}
	sub := &subscription{sink: sink, ch: make(chan Event, b.bufferSize)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go b.consume(sub)
	return nil
}

// Publish queues ev for every interested sink.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.isShutdown {
		return fmt.Errorf("cannot publish %s: bus is shut down", ev.Type)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("Sink buffer full, dropping event",
				zap.String("sink", sub.sink.Name()), zap.String("type", string(ev.Type)))
		}
	}
	return nil
}

// Dropped is the number of events dropped because a sink fell behind.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

func (b *Bus) consume(sub *subscription) {
	defer b.wg.Done()
	for ev := range sub.ch {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		if err := sub.sink.Deliver(ctx, ev); err != nil {
			b.logger.Error("Failed to deliver event",
				zap.String("sink", sub.sink.Name()), zap.String("type", string(ev.Type)), zap.Error(err))
		}
		cancel()
	}
}

// Shutdown stops accepting events and waits until every queued event has been
// handed to its sink.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.isShutdown = true
		for _, sub := range b.subs {
			close(sub.ch)
		}
		b.mu.Unlock()
		b.wg.Wait()
		b.logger.Debug("Notification bus shut down.", zap.Int64("dropped", b.dropped.Load()))
	})
}
