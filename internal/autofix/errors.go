package autofix

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/strategy"
)

// Failure classes. Every typed failure below matches exactly one of them with
// errors.Is.
var (
	ErrDetector        = errors.New("detector failure")
	ErrStrategy        = errors.New("strategy failure")
	ErrValidation      = errors.New("validation failure")
	ErrExternalService = errors.New("external service failure")
	ErrDataStore       = errors.New("data store failure")

	// ErrExhausted is returned by the chain when no strategy clears its floor.
	ErrExhausted = errors.New("strategy chain exhausted")
)

// DetectorFailure is a detector that failed on one file.
type DetectorFailure struct {
	Detector string
	Path     string
	Err      error
}

func (e *DetectorFailure) Error() string {
	return fmt.Sprintf("detector %s failed on %s: %v", e.Detector, e.Path, e.Err)
}

func (e *DetectorFailure) Unwrap() error        { return e.Err }
func (e *DetectorFailure) Is(target error) bool { return target == ErrDetector }

// StrategyFailure is a strategy that errored while proposing a fix. The chain
// treats it as "no attempt".
type StrategyFailure struct {
	Strategy schemas.StrategyName
	IssueID  string
	Err      error
}

func (e *StrategyFailure) Error() string {
	return fmt.Sprintf("strategy %s failed for issue %s: %v", e.Strategy, e.IssueID, e.Err)
}

func (e *StrategyFailure) Unwrap() error        { return e.Err }
func (e *StrategyFailure) Is(target error) bool { return target == ErrStrategy }

// ValidationFailure is a candidate rejected by a gate.
type ValidationFailure struct {
	IssueID   string
	AttemptID string
	Gate      string
	Reason    string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("attempt %s for issue %s failed gate %s: %s", e.AttemptID, e.IssueID, e.Gate, e.Reason)
}

func (e *ValidationFailure) Is(target error) bool { return target == ErrValidation }

// ExternalServiceFailure is a call to the model backend or another remote
// collaborator that failed after retries.
type ExternalServiceFailure struct {
	Service string
	Err     error
}

func (e *ExternalServiceFailure) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *ExternalServiceFailure) Unwrap() error        { return e.Err }
func (e *ExternalServiceFailure) Is(target error) bool { return target == ErrExternalService }

// DataStoreFailure is a persistence operation that failed.
type DataStoreFailure struct {
	Op  string
	Err error
}

func (e *DataStoreFailure) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *DataStoreFailure) Unwrap() error        { return e.Err }
func (e *DataStoreFailure) Is(target error) bool { return target == ErrDataStore }

// proposeErr wraps the error of a strategy or handler that failed to
// propose. An unreachable backend is also an ExternalServiceFailure.
func proposeErr(name schemas.StrategyName, issueID string, err error) *StrategyFailure {
	if errors.Is(err, strategy.ErrUnavailable) {
		err = &ExternalServiceFailure{Service: string(name), Err: err}
	}
	return &StrategyFailure{Strategy: name, IssueID: issueID, Err: err}
}

// storeErr wraps a persistence error, leaving nil untouched.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DataStoreFailure{Op: op, Err: err}
}
