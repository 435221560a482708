package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	err    error
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Deliver(ctx context.Context, ev Event) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestBus_DeliversAndFilters(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewBus(zaptest.NewLogger(t), 8)
	all, reviews := &recordingSink{}, &recordingSink{}
	require.NoError(t, bus.AddSink(all))
	require.NoError(t, bus.AddSink(reviews, EventIssueNeedsReview))

	issue := &schemas.Issue{ID: "i-1", Project: "demo", FilePath: "a.go", Rule: "nil-dereference"}
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, IssueEvent(EventIssueApplied, issue, schemas.StrategyContextual, "")))
	require.NoError(t, bus.Publish(ctx, IssueEvent(EventIssueNeedsReview, issue, schemas.StrategyHumanReview, "chain exhausted")))
	require.NoError(t, bus.Publish(ctx, Event{Type: EventBatchCompleted, Summary: &schemas.ScanSummary{Applied: 1}}))
	bus.Shutdown()

	assert.Equal(t, []EventType{EventIssueApplied, EventIssueNeedsReview, EventBatchCompleted}, all.types())
	assert.Equal(t, []EventType{EventIssueNeedsReview}, reviews.types())
	assert.NotEmpty(t, all.events[0].ID)
	assert.False(t, all.events[0].Timestamp.IsZero())

	assert.Error(t, bus.Publish(ctx, Event{Type: EventBatchCompleted}))
	assert.Error(t, bus.AddSink(&recordingSink{}))
	bus.Shutdown()
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewBus(zaptest.NewLogger(t), 1)
	slow := &recordingSink{block: make(chan struct{}), err: errors.New("sink down")}
	require.NoError(t, bus.AddSink(slow))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = bus.Publish(context.Background(), Event{Type: EventIssueApplied})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow sink")
	}
	assert.GreaterOrEqual(t, bus.Dropped(), int64(8))

	close(slow.block)
	bus.Shutdown()
	assert.LessOrEqual(t, len(slow.types()), 2)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	issue := &schemas.Issue{ID: "i-1", FilePath: "a.go"}
	require.NoError(t, sink.Deliver(context.Background(), IssueEvent(EventIssueApplied, issue, schemas.StrategyPatternMatch, "applied")))

	entries := logs.FilterMessage(string(EventIssueApplied)).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "i-1", entries[0].ContextMap()["issue_id"])
	assert.Equal(t, "pattern_match", entries[0].ContextMap()["strategy"])
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSSink(t *testing.T) {
	server := startTestNATSServer(t)
	logger := zaptest.NewLogger(t)

	nc, err := ConnectNATS(server.ClientURL(), logger)
	require.NoError(t, err)
	defer nc.Close()

	listener, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer listener.Close()
	sub, err := listener.SubscribeSync("autofix.>")
	require.NoError(t, err)
	require.NoError(t, listener.Flush())

	sink := NewNATSSink(nc, "")
	assert.Equal(t, "autofix.batch.completed", sink.Subject(EventBatchCompleted))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev := Event{ID: "e-1", Type: EventBatchCompleted, Project: "demo", Summary: &schemas.ScanSummary{FilesScanned: 3}}
	require.NoError(t, sink.Deliver(ctx, ev))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "autofix.batch.completed", msg.Subject)

	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "e-1", got.ID)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 3, got.Summary.FilesScanned)
}
