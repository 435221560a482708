package schemas

import "time"

// FileSnapshot is cached scan metadata for a single file.
type FileSnapshot struct {
	Path              string    `json:"path"`
	ContentHash       string    `json:"content_hash"`
	LastScanAt        time.Time `json:"last_scan_at"`
	OutstandingIssues int       `json:"outstanding_issues"`
	Dirty             bool      `json:"dirty"`
	LastError         string    `json:"last_error,omitempty"`
}

// HealthScore maps outstanding issues into (0,1]. A clean file scores 1.
func (s *FileSnapshot) HealthScore() float64 {
	return 1 / float64(1+s.OutstandingIssues)
}

// BackupState tracks a backup through its lifecycle.
type BackupState string

const (
	BackupActive    BackupState = "active"
	BackupConsumed  BackupState = "consumed"
	BackupDiscarded BackupState = "discarded"
	BackupExpired   BackupState = "expired"
)

// Backup is a point-in-time copy of a file taken before a patch is written.
type Backup struct {
	ID          string      `json:"id"`
	FilePath    string      `json:"file_path"`
	ContentHash string      `json:"content_hash"`
	Mode        uint32      `json:"mode"`
	IssueID     string      `json:"issue_id"`
	AttemptID   string      `json:"attempt_id"`
	State       BackupState `json:"state"`
	CreatedAt   time.Time   `json:"created_at"`
	// Existed is false when the patch creates the file; restoring removes it.
	Existed bool `json:"existed"`
}
