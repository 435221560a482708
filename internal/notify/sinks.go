package notify

import (
	"context"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs each event at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("notify")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("project", ev.Project),
	}
	if ev.IssueID != "" {
		fields = append(fields,
			zap.String("issue_id", ev.IssueID),
			zap.String("file", ev.FilePath),
			zap.String("rule", ev.Rule),
			zap.String("strategy", string(ev.Strategy)),
		)
	}
	if ev.Summary != nil {
		fields = append(fields,
			zap.Int("files_scanned", ev.Summary.FilesScanned),
			zap.Int("issues_found", ev.Summary.IssuesFound),
			zap.Int("applied", ev.Summary.Applied),
			zap.Int("needs_review", ev.Summary.NeedsReview),
		)
	}
	if ev.Message != "" {
		fields = append(fields, zap.String("message", ev.Message))
	}
	s.logger.Info(string(ev.Type), fields...)
	return nil
}

// NATSSink publishes events as JSON on <subject>.<event type>.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSink publishes on an existing connection.
func NewNATSSink(nc *nats.Conn, subject string) *NATSSink {
	if subject == "" {
		subject = "autofix"
	}
	return &NATSSink{nc: nc, subject: subject}
}

// ConnectNATS dials the server with reconnect settings suited to a long
// running process.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("scalpel-autofix"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info("Connected to NATS", zap.String("url", url))
	return nc, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Subject(t EventType) string {
	return s.subject + "." + string(t)
}

func (s *NATSSink) Deliver(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := s.nc.Publish(s.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return s.nc.FlushWithContext(ctx)
}
