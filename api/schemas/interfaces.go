package schemas

import (
	"context"
)

// -- LLM Client Schemas & Interface --

// ModelTier allows for selecting a large language model based on a preference
// for speed versus advanced capabilities.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, potentially less capable model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, potentially slower model.
)

// GenerationOptions provides detailed parameters to control the text generation
// process of the LLM, such as creativity (temperature) and output format.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // Controls randomness. Lower is more deterministic.
	ForceJSONFormat bool    `json:"force_json_format"` // If true, forces the model to output valid JSON.
	TopP            float64 `json:"top_p"`             // Nucleus sampling parameter.
	TopK            int     `json:"top_k"`             // Top-k sampling parameter.
}

// GenerationRequest encapsulates a complete request to the LLM, including the
// system and user prompts, the desired model tier, and generation options.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient is the narrow interface to the external generative model service.
// Its output is untrusted and always goes through validation before use.
type LLMClient interface {
	// Generate produces a text completion based on the provided request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close cleans up any resources held by the client.
	Close() error
}

// -- Scan Trigger --

// ScanOptions are the recognized options of a scan trigger.
type ScanOptions struct {
	Concurrency   int            `json:"concurrency"`
	AutoApply     bool           `json:"auto_apply"`
	SeverityFloor Severity       `json:"severity_floor"`
	Strategies    []StrategyName `json:"strategies"`
}

// ScanRequest starts a scan batch over a root path.
type ScanRequest struct {
	Root    string      `json:"root"`
	Project string      `json:"project"`
	Options ScanOptions `json:"options"`
}

// ScanSummary is reported when a batch completes.
type ScanSummary struct {
	BatchID      string `json:"batch_id"`
	Project      string `json:"project"`
	FilesSeen    int    `json:"files_seen"`
	FilesScanned int    `json:"files_scanned"`
	FilesSkipped int    `json:"files_skipped"`
	FilesFailed  int    `json:"files_failed"`
	IssuesFound  int    `json:"issues_found"`
	Applied      int    `json:"applied"`
	RolledBack   int    `json:"rolled_back"`
	NeedsReview  int    `json:"needs_review"`
	Cancelled    bool   `json:"cancelled"`
}
