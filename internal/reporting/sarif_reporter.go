package reporting

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/observability"
	"github.com/xkilldash9x/scalpel-autofix/internal/reporting/sarif"
)

// Constants for tool identification in the SARIF report.
const (
	ToolName     = "Scalpel Autofix"
	ToolInfoURI  = "https://github.com/xkilldash9x/scalpel-autofix"
	SARIFVersion = "2.1.0"
	SARIFSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"

	// fingerprintKey names the stable issue identity for result matching.
	fingerprintKey = "scalpelFingerprint/v1"
)

// ruleIDSanitizer replaces characters not allowed in SARIF rule IDs,
// collapsing runs into a single hyphen.
var ruleIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.]+`)

// SARIFReporter buffers issues and writes one SARIF 2.1.0 log on Close.
// It is safe for concurrent use.
type SARIFReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
	log    *sarif.Log
	// mu protects log and rules.
	mu sync.Mutex
	// rules maps a detector rule to its SARIF rule ID.
	rules map[string]string
}

// NewSARIFReporter creates a reporter that writes SARIF output to writer.
func NewSARIFReporter(writer io.WriteCloser, toolVersion string) *SARIFReporter {
	log := &sarif.Log{
		Version: SARIFVersion,
		Schema:  SARIFSchema,
		Runs: []*sarif.Run{
			{
				Tool: &sarif.Tool{
					Driver: &sarif.ToolComponent{
						Name:           ToolName,
						Version:        pString(toolVersion),
						InformationURI: pString(ToolInfoURI),
						// Empty slices, not nil, so they marshal as [].
						Rules: []*sarif.ReportingDescriptor{},
					},
				},
				Results: []*sarif.Result{},
			},
		},
	}
	return &SARIFReporter{
		writer: writer,
		logger: observability.GetLogger().Named("sarif_reporter"),
		log:    log,
		rules:  make(map[string]string),
	}
}

// Write converts an issue into a SARIF result. Resolved issues are kept as
// passing results so dashboards can close them.
func (r *SARIFReporter) Write(issue *schemas.Issue) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := &sarif.Result{
		RuleID:  r.ensureRule(issue),
		Message: &sarif.Message{Text: pString(issue.Message)},
		Level:   mapSeverityToSARIFLevel(issue.Severity),
		Kind:    sarif.KindFail,
		Locations: []*sarif.Location{{
			PhysicalLocation: &sarif.PhysicalLocation{
				ArtifactLocation: &sarif.ArtifactLocation{URI: pString(issue.FilePath)},
				Region:           region(issue),
			},
		}},
		Properties: sarif.PropertyBag{
			"state":    string(issue.State),
			"category": string(issue.Category),
			"detector": issue.Detector,
		},
	}
	if issue.Fingerprint != "" {
		result.PartialFingerprints = map[string]string{fingerprintKey: issue.Fingerprint}
	}
	if !issue.State.Open() {
		result.Kind = sarif.KindPass
		result.Level = ""
	}
	if a := fixOf(issue); a != nil {
		desc := fmt.Sprintf("%s fix (confidence %.2f)", a.Strategy, a.CalibratedConfidence)
		if a.Explanation != "" {
			desc += ": " + a.Explanation
		}
		result.Fixes = []*sarif.Fix{{Description: &sarif.Message{Text: pString(desc)}}}
		result.Properties["patch"] = a.Patch
		result.Properties["applied"] = a.Applied
	}

	r.log.Runs[0].Results = append(r.log.Runs[0].Results, result)
	return nil
}

// Close writes the SARIF log and closes the writer.
func (r *SARIFReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	r.logger.Debug("Finalizing SARIF report",
		zap.Int("total_results", len(run.Results)),
		zap.Int("total_rules", len(run.Tool.Driver.Rules)))

	data, encodeErr := json.MarshalIndent(r.log, "", "  ")
	if encodeErr == nil {
		_, encodeErr = r.writer.Write(append(data, '\n'))
	}
	// Always attempt to close the writer, regardless of encoding success.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		return fmt.Errorf("failed to encode SARIF output: %w", encodeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	return nil
}

// ensureRule returns the rule ID for the issue's rule, registering the rule
// on first use. Must be called while holding the mutex.
func (r *SARIFReporter) ensureRule(issue *schemas.Issue) string {
	if id, ok := r.rules[issue.Rule]; ok {
		return id
	}
	id := "SCALPEL-" + sanitizeRuleName(issue.Rule)
	// Distinct rules can sanitize to the same ID.
	for n := 1; r.hasRuleID(id); n++ {
		id = fmt.Sprintf("SCALPEL-%s-%d", sanitizeRuleName(issue.Rule), n)
	}
	r.rules[issue.Rule] = id

	r.log.Runs[0].Tool.Driver.Rules = append(r.log.Runs[0].Tool.Driver.Rules, &sarif.ReportingDescriptor{
		ID:               id,
		Name:             pString(issue.Rule),
		ShortDescription: &sarif.MultiformatMessageString{Text: pString(issue.Rule)},
		Properties: sarif.PropertyBag{
			"tags": []string{string(issue.Category), "scalpel"},
		},
	})
	return id
}

func (r *SARIFReporter) hasRuleID(id string) bool {
	for _, existing := range r.rules {
		if existing == id {
			return true
		}
	}
	return false
}

func sanitizeRuleName(name string) string {
	sanitized := strings.Trim(ruleIDSanitizer.ReplaceAllString(strings.ToUpper(name), "-"), "-")
	if sanitized == "" {
		return "UNNAMED-RULE"
	}
	return sanitized
}

func region(issue *schemas.Issue) *sarif.Region {
	if issue.Span.StartLine < 1 {
		return nil
	}
	reg := &sarif.Region{
		StartLine:   issue.Span.StartLine,
		StartColumn: issue.Span.StartColumn,
		EndLine:     issue.Span.EndLine,
		EndColumn:   issue.Span.EndColumn,
	}
	if issue.Snippet != "" {
		reg.Snippet = &sarif.Message{Text: pString(issue.Snippet)}
	}
	return reg
}

// fixOf picks the attempt worth reporting: the applied one, else the latest
// that passed validation.
func fixOf(issue *schemas.Issue) *schemas.FixAttempt {
	var passed *schemas.FixAttempt
	for i := range issue.Attempts {
		a := &issue.Attempts[i]
		if a.Applied {
			return a
		}
		if a.Validation == schemas.ValidationPassed {
			passed = a
		}
	}
	return passed
}

// mapSeverityToSARIFLevel converts a severity to the SARIF standard.
func mapSeverityToSARIFLevel(severity schemas.Severity) sarif.Level {
	switch severity {
	case schemas.SeverityCritical, schemas.SeverityHigh:
		return sarif.LevelError
	case schemas.SeverityMedium:
		return sarif.LevelWarning
	default:
		return sarif.LevelNote
	}
}

// pString returns a pointer to the given string value. Helper for optional SARIF fields.
func pString(s string) *string {
	return &s
}
