// Package reporting exports tracked issues for code scanning dashboards and
// other tools.
package reporting

import (
	"fmt"
	"io"
	"sync"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
)

// Formats accepted by New.
const (
	FormatSARIF = "sarif"
	FormatJSON  = "json"
)

// Reporter writes issues to an output.
type Reporter interface {
	// Write adds one issue, with its attempts when loaded, to the report.
	Write(issue *schemas.Issue) error
	// Close finalizes the report and closes the writer.
	Close() error
}

// NopWriteCloser wraps an io.Writer with a no-op Close, for writers the
// reporter must not close such as stdout.
func NopWriteCloser(w io.Writer) io.WriteCloser {
	return &nopWriteCloser{w}
}

type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for format that takes ownership of writer.
func New(format string, writer io.WriteCloser, toolVersion string) (Reporter, error) {
	switch format {
	case FormatSARIF:
		return NewSARIFReporter(writer, toolVersion), nil
	case FormatJSON:
		return &jsonLinesReporter{writer: writer, enc: json.NewEncoder(writer)}, nil
	default:
		writer.Close()
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// jsonLinesReporter writes one JSON object per issue as it arrives.
type jsonLinesReporter struct {
	mu     sync.Mutex
	writer io.WriteCloser
	enc    *json.Encoder
}

func (r *jsonLinesReporter) Write(issue *schemas.Issue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(issue); err != nil {
		return fmt.Errorf("failed to encode issue %s: %w", issue.ID, err)
	}
	return nil
}

func (r *jsonLinesReporter) Close() error {
	return r.writer.Close()
}
