// Package coroner reads Go panic output and finds the frame in application
// code where the crash happened.
package coroner

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoSite is returned when no stack frame points into application code.
var ErrNoSite = errors.New("could not reliably determine panic location in application code from stack trace")

// Incident is one parsed crash.
type Incident struct {
	// Message is the panic value, or the whole first line for fatal errors.
	Message    string
	StackTrace string
	// FilePath is the crash site as printed in the trace, usually absolute.
	FilePath string
	Line     int
	Function string
}

var (
	panicMessageRegex = regexp.MustCompile(`^panic: (.*)`)
	functionRegex     = regexp.MustCompile(`^([a-zA-Z0-9_\-./\(\)\*\[\]]+)\(.*\)$`)
	locationRegex     = regexp.MustCompile(`^\s+(.*\.go):(\d+)(?: .*)?$`)
)

// Parser interprets panic logs.
type Parser struct {
	skip []string
}

// NewParser creates a parser. Frames whose function starts with one of skip
// are passed over, which keeps recovery wrappers from being blamed.
func NewParser(skip ...string) *Parser {
	return &Parser{skip: skip}
}

// ParseFile reads a panic log from disk.
func (p *Parser) ParseFile(logPath string) (*Incident, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open panic log file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read panic log file: %w", err)
	}
	return p.Parse(lines)
}

// Parse interprets the lines of one panic.
func (p *Parser) Parse(lines []string) (*Incident, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("panic log is empty")
	}

	incident := &Incident{StackTrace: strings.Join(lines, "\n")}
	if m := panicMessageRegex.FindStringSubmatch(lines[0]); len(m) > 1 {
		incident.Message = m[1]
	} else {
		incident.Message = lines[0]
	}

	for i := 1; i+1 < len(lines); i++ {
		line := lines[i]
		if strings.HasPrefix(line, "goroutine ") {
			continue
		}
		fm := functionRegex.FindStringSubmatch(line)
		if len(fm) < 2 {
			continue
		}
		lm := locationRegex.FindStringSubmatch(lines[i+1])
		if len(lm) != 3 {
			continue
		}
		fn, file := fm[1], lm[1]
		if p.ignored(fn, file) {
			continue
		}
		incident.Function = fn
		incident.FilePath = file
		incident.Line, _ = strconv.Atoi(lm[2])
		return incident, nil
	}
	return nil, ErrNoSite
}

func (p *Parser) ignored(fn, file string) bool {
	if strings.HasPrefix(fn, "runtime.") || fn == "panic" || strings.HasPrefix(fn, "testing.") {
		return true
	}
	// Standard library paths have no dot in their package directory; module
	// paths (github.com/...) do.
	if strings.Contains(file, "go/src/") && !strings.Contains(filepath.Dir(file), ".") {
		return true
	}
	if strings.Contains(file, "/pkg/mod/") || strings.Contains(file, "/vendor/") {
		return true
	}
	for _, prefix := range p.skip {
		if strings.HasPrefix(fn, prefix) {
			return true
		}
	}
	return false
}
