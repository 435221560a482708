package schemas

import "time"

// Template is a generalized before/after pair. Identifiers and literals are
// replaced with numbered placeholders shared between the two sides.
type Template struct {
	Before string `json:"before"`
	After  string `json:"after"`
	// Placeholders is the number of distinct placeholders in Before.
	Placeholders int `json:"placeholders"`
	// Lead is how many lines of Before precede the issue's first line.
	Lead int `json:"lead"`
	// Lines is the number of source lines Before covers.
	Lines int `json:"lines"`
}

// Pattern is a reusable fix template keyed by fingerprint. Counts only grow.
type Pattern struct {
	Fingerprint string    `json:"fingerprint"`
	Language    string    `json:"language"`
	Rule        string    `json:"rule"`
	Template    Template  `json:"template"`
	Occurrences int64     `json:"occurrences"`
	Successes   int64     `json:"successes"`
	Failures    int64     `json:"failures"`
	Tags        []string  `json:"tags,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Reliability is the Laplace-smoothed success estimate of the pattern.
func (p *Pattern) Reliability() float64 {
	return float64(p.Successes+1) / float64(p.Successes+p.Failures+2)
}

// CalibrationRecord holds persisted outcome counts for a (strategy, domain) pair.
type CalibrationRecord struct {
	Strategy  StrategyName `json:"strategy"`
	Domain    Category     `json:"domain"`
	Successes int64        `json:"successes"`
	Failures  int64        `json:"failures"`
	UpdatedAt time.Time    `json:"updated_at"`
}
