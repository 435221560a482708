package autofix

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/coroner"
	"github.com/xkilldash9x/scalpel-autofix/internal/detector"
	"github.com/xkilldash9x/scalpel-autofix/internal/fingerprint"
	"github.com/xkilldash9x/scalpel-autofix/internal/syntax"
)

const crashDetector = "crash-watcher"

var (
	newEntryRegex  = regexp.MustCompile(`^(\d{4}[-/]\d{2}[-/]\d{2}|\{.*"ts":|INFO|WARN|ERROR|DEBUG|panic:|fatal error:)`)
	panicRegex     = regexp.MustCompile(`("level":"panic"|"level":"fatal"|^panic:|^fatal error:)`)
	jsonStackRegex = regexp.MustCompile(`"stacktrace":"(.*?)"`)
	jsonMsgRegex   = regexp.MustCompile(`"msg":"(.*?)"`)
)

// CrashStore is the persistence the watcher needs.
type CrashStore interface {
	RecordIssue(ctx context.Context, issue *schemas.Issue) (bool, error)
	MarkDirty(ctx context.Context, paths ...string) error
}

// Watcher tails an application log, turns each Go panic into a crash issue
// at the first application frame and marks that file for rescanning.
type Watcher struct {
	logger  *zap.Logger
	logPath string
	root    string
	project string
	store   CrashStore
	parser  *coroner.Parser
	// flush ends a buffered trace when no line arrives for this long.
	flush time.Duration

	trigger chan struct{}
	done    chan struct{}
}

// NewWatcher creates a watcher for logPath. root is the absolute scan root
// that crash sites are resolved against. skip names recovery wrappers that
// must not be blamed for a panic.
func NewWatcher(logger *zap.Logger, logPath, root, project string, st CrashStore, skip ...string) (*Watcher, error) {
	if logPath == "" {
		return nil, fmt.Errorf("scanner.crash_log_path must be configured for crash detection")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid project root: %w", err)
	}
	return &Watcher{
		logger:  logger.Named("crash-watcher"),
		logPath: logPath,
		root:    absRoot,
		project: project,
		store:   st,
		parser:  coroner.NewParser(skip...),
		flush:   100 * time.Millisecond,
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// Triggers receives a value after a crash issue was recorded.
func (w *Watcher) Triggers() <-chan struct{} { return w.trigger }

// Start tails the log from its current end. It returns once the file is
// open; the watcher stops when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting crash watcher", zap.String("log", w.logPath))
	t, err := tail.TailFile(w.logPath, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: 2},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		close(w.done)
		return fmt.Errorf("failed to tail application log file: %w", err)
	}
	go w.monitorLoop(ctx, t)
	return nil
}

// Wait blocks until the watcher has stopped.
func (w *Watcher) Wait() { <-w.done }

// monitorLoop buffers multi-line traces. A trace ends at the next log entry
// or after the flush interval without new lines.
func (w *Watcher) monitorLoop(ctx context.Context, t *tail.Tail) {
	defer close(w.done)
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	var trace []string
	timeout := time.NewTimer(w.flush)
	if !timeout.Stop() {
		<-timeout.C
	}
	stopTimer := func() {
		if !timeout.Stop() {
			select {
			case <-timeout.C:
			default:
			}
		}
	}
	process := func() {
		if len(trace) > 0 {
			w.handlePanic(ctx, trace)
			trace = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			process()
			w.logger.Info("Stopping crash watcher")
			return

		case line, ok := <-t.Lines:
			if !ok {
				process()
				return
			}
			if line.Err != nil {
				w.logger.Warn("Error reading from log file", zap.Error(line.Err))
				continue
			}
			text := line.Text
			if len(trace) > 0 && newEntryRegex.MatchString(text) {
				process()
				stopTimer()
			}
			switch {
			case panicRegex.MatchString(text):
				if len(trace) == 0 {
					trace = append(trace, text)
					timeout.Reset(w.flush)
				}
			case len(trace) > 0:
				trace = append(trace, text)
				timeout.Reset(w.flush)
			}

		case <-timeout.C:
			process()
		}
	}
}

// handlePanic records the crash site of one trace. Its writes outlive a
// cancelled watcher so a trace flushed on shutdown is not lost.
func (w *Watcher) handlePanic(ctx context.Context, trace []string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	lines := expandStructured(trace)
	incident, err := w.parser.Parse(lines)
	if err != nil {
		w.logger.Warn("Failed to locate the crash site", zap.Error(err))
		return
	}
	issue, err := w.crashIssue(ctx, incident)
	if err != nil {
		w.logger.Warn("Ignoring crash outside the project", zap.String("file", incident.FilePath), zap.Error(err))
		return
	}

	if _, err := w.store.RecordIssue(ctx, issue); err != nil {
		w.logger.Error("Failed to record crash issue", zap.Error(storeErr("record crash", err)))
		return
	}
	if err := w.store.MarkDirty(ctx, filepath.Join(w.root, filepath.FromSlash(issue.FilePath))); err != nil {
		w.logger.Error("Failed to mark crashed file dirty", zap.Error(storeErr("mark dirty", err)))
	}
	w.logger.Warn("Crash recorded",
		zap.String("issue_id", issue.ID),
		zap.String("file", issue.FilePath),
		zap.Int("line", incident.Line),
		zap.String("function", incident.Function))

	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// crashIssue builds the issue for a crash site inside the project.
func (w *Watcher) crashIssue(ctx context.Context, incident *coroner.Incident) (*schemas.Issue, error) {
	rel, err := w.normalizeFilePath(incident.FilePath)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(filepath.Join(w.root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, err
	}
	line := lineText(content, incident.Line)
	if line == "" && syntax.LineOffset(content, incident.Line) < 0 {
		return nil, fmt.Errorf("line %d is past the end of %s", incident.Line, rel)
	}

	lang := syntax.DetectLanguage(rel)
	span := schemas.Span{StartLine: incident.Line, StartColumn: 1, EndLine: incident.Line, EndColumn: len(line) + 1}
	message := "panic: " + incident.Message
	issue := &schemas.Issue{
		Project:  w.project,
		FilePath: rel,
		Span:     span,
		Category: schemas.CategoryCrash,
		Severity: schemas.SeverityHigh,
		Rule:     detector.RuleCrash,
		Message:  message,
		Detector: crashDetector,
		Language: lang,
		Snippet:  line,
		Metadata: map[string]string{"function": incident.Function},
	}
	issue.Fingerprint = fingerprint.Compute(ctx, fingerprint.Input{
		Lang:     lang,
		Source:   content,
		Rule:     issue.Rule,
		Category: issue.Category,
		Message:  message,
		Span:     span,
	})
	return issue, nil
}

func (w *Watcher) normalizeFilePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return filepath.ToSlash(filepath.Clean(path)), nil
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file path %q is outside the project root %q", path, w.root)
	}
	return filepath.ToSlash(rel), nil
}

// expandStructured unpacks a zap JSON entry that carries the trace in its
// stacktrace field.
func expandStructured(trace []string) []string {
	first := trace[0]
	if !strings.HasPrefix(first, "{") {
		return trace
	}
	m := jsonStackRegex.FindStringSubmatch(first)
	if len(m) < 2 {
		return trace
	}
	stack, err := strconv.Unquote(`"` + m[1] + `"`)
	if err != nil {
		return trace
	}
	head := "panic: "
	if mm := jsonMsgRegex.FindStringSubmatch(first); len(mm) > 1 {
		head += mm[1]
	}
	return append([]string{head, ""}, strings.Split(stack, "\n")...)
}

func lineText(content []byte, line int) string {
	start := syntax.LineOffset(content, line)
	if start < 0 {
		return ""
	}
	end := start
	for end < len(content) && content[end] != '\n' {
		end++
	}
	return strings.TrimRight(string(content[start:end]), "\r")
}
