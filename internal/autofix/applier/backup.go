package applier

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/patch"
)

const manifestName = "manifest.json"

// ErrNoBackup is returned when an issue has no active backup.
var ErrNoBackup = errors.New("no active backup")

// ErrConflict is returned when a file changed in a way that cannot be
// reconciled with a backup.
var ErrConflict = errors.New("file changed since the fix was applied")

type manifest struct {
	Backups []schemas.Backup `json:"backups"`
}

// BackupManager keeps the pre-image of every file a fix writes, plus the
// content the fix wrote, until the fix is resolved or rolled back.
type BackupManager struct {
	dir       string
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	backups map[string]*schemas.Backup
}

// NewBackupManager opens the backup directory and loads its manifest.
func NewBackupManager(dir string, retention time.Duration, logger *zap.Logger) (*BackupManager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", dir, err)
	}
	m := &BackupManager{
		dir:       dir,
		retention: retention,
		logger:    logger.Named("backups"),
		now:       func() time.Time { return time.Now().UTC() },
		backups:   make(map[string]*schemas.Backup),
	}
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return m, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read backup manifest: %w", err)
	}
	var mf manifest
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("failed to decode backup manifest: %w", err)
	}
	for i := range mf.Backups {
		b := mf.Backups[i]
		m.backups[b.ID] = &b
	}
	return m, nil
}

func (m *BackupManager) blob(id, kind string) string {
	return filepath.Join(m.dir, id+"."+kind)
}

// Save records the current content of each change's file and the content
// the change will write. Files the change creates are recorded as missing.
// The live content must still match change.Before.
func (m *BackupManager) Save(root, issueID, attemptID string, changes []patch.FileChange) ([]schemas.Backup, error) {
	var saved []schemas.Backup
	fail := func(err error) ([]schemas.Backup, error) {
		for _, b := range saved {
			m.removeBlobs(b.ID)
		}
		return nil, err
	}

	for _, c := range changes {
		live, err := livePath(root, c.Path)
		if err != nil {
			return fail(err)
		}
		b := schemas.Backup{
			ID:        uuid.NewString(),
			FilePath:  c.Path,
			IssueID:   issueID,
			AttemptID: attemptID,
			State:     schemas.BackupActive,
			CreatedAt: m.now(),
			Mode:      0o644,
		}
		content, err := os.ReadFile(live)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			content = nil
		case err != nil:
			return fail(fmt.Errorf("failed to back up %s: %w", c.Path, err))
		default:
			b.Existed = true
			if info, err := os.Stat(live); err == nil {
				b.Mode = uint32(info.Mode().Perm())
			}
		}
		if hashContent(content) != hashContent(c.Before) {
			return fail(fmt.Errorf("%s: %w", c.Path, ErrConflict))
		}
		b.ContentHash = hashContent(content)

		if err := writeFileAtomic(m.blob(b.ID, "orig"), content, 0o600); err != nil {
			return fail(fmt.Errorf("failed to write backup of %s: %w", c.Path, err))
		}
		saved = append(saved, b)
		if err := writeFileAtomic(m.blob(b.ID, "applied"), c.After, 0o600); err != nil {
			return fail(fmt.Errorf("failed to write backup of %s: %w", c.Path, err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range saved {
		b := saved[i]
		m.backups[b.ID] = &b
	}
	if err := m.persistLocked(); err != nil {
		for _, b := range saved {
			delete(m.backups, b.ID)
		}
		return fail(err)
	}
	return saved, nil
}

// Active returns the active backups of an issue ordered by path.
func (m *BackupManager) Active(issueID string) []schemas.Backup {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(issueID)
}

func (m *BackupManager) activeLocked(issueID string) []schemas.Backup {
	var out []schemas.Backup
	for _, b := range m.backups {
		if b.IssueID == issueID && b.State == schemas.BackupActive {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}

// Original returns the pre-image of a backed up file.
func (m *BackupManager) Original(b schemas.Backup) ([]byte, error) {
	if !b.Existed {
		return nil, nil
	}
	content, err := os.ReadFile(m.blob(b.ID, "orig"))
	if err != nil {
		return nil, fmt.Errorf("failed to read backup %s: %w", b.ID, err)
	}
	return content, nil
}

// Restore puts back the pre-image of every file an issue's fix wrote. A file
// still holding exactly what the fix wrote is restored byte for byte. A file
// edited since is reverted by reverse-applying the fix; when that does not
// apply the restore fails with ErrConflict and nothing is written.
func (m *BackupManager) Restore(root, issueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.activeLocked(issueID)
	if len(active) == 0 {
		return fmt.Errorf("issue %s: %w", issueID, ErrNoBackup)
	}

	type write struct {
		backup  schemas.Backup
		path    string
		content []byte
		remove  bool
	}
	writes := make([]write, 0, len(active))
	for _, b := range active {
		live, err := livePath(root, b.FilePath)
		if err != nil {
			return err
		}
		original, err := m.Original(b)
		if err != nil {
			return err
		}
		applied, err := os.ReadFile(m.blob(b.ID, "applied"))
		if err != nil {
			return fmt.Errorf("failed to read backup %s: %w", b.ID, err)
		}
		current, err := os.ReadFile(live)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to read %s: %w", b.FilePath, err)
		}

		w := write{backup: b, path: live, content: original, remove: !b.Existed}
		switch {
		case hashContent(current) == hashContent(applied):
		case hashContent(current) == b.ContentHash:
			continue
		default:
			fd := patch.FileDiff(patch.FileChange{Path: b.FilePath, Before: applied, After: original})
			if fd == nil {
				continue
			}
			reverted, err := patch.ApplyFile(fd, current)
			if err != nil {
				return fmt.Errorf("%s: %w: %v", b.FilePath, ErrConflict, err)
			}
			w.content, w.remove = reverted, false
		}
		writes = append(writes, w)
	}

	for _, w := range writes {
		var err error
		if w.remove {
			err = os.Remove(w.path)
			if errors.Is(err, fs.ErrNotExist) {
				err = nil
			}
		} else {
			err = writeFileAtomic(w.path, w.content, fs.FileMode(w.backup.Mode))
		}
		if err != nil {
			return fmt.Errorf("failed to restore %s: %w", w.backup.FilePath, err)
		}
	}
	for _, b := range active {
		m.backups[b.ID].State = schemas.BackupConsumed
		m.removeBlobs(b.ID)
	}
	m.logger.Info("Restored files from backup", zap.String("issue_id", issueID), zap.Int("files", len(active)))
	return m.persistLocked()
}

// Discard drops the active backups of an issue once its fix is final.
func (m *BackupManager) Discard(issueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := m.activeLocked(issueID)
	if len(active) == 0 {
		return nil
	}
	for _, b := range active {
		m.backups[b.ID].State = schemas.BackupDiscarded
		m.removeBlobs(b.ID)
	}
	return m.persistLocked()
}

// Sweep expires active backups older than the retention window unless keep
// reports their issue is still being observed, and forgets finished records
// past the window. It returns how many backups expired.
func (m *BackupManager) Sweep(keep func(issueID string) bool) (int, error) {
	if m.retention <= 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.retention)
	expired := 0
	for id, b := range m.backups {
		if !b.CreatedAt.Before(cutoff) {
			continue
		}
		if b.State != schemas.BackupActive {
			delete(m.backups, id)
			continue
		}
		if keep != nil && keep(b.IssueID) {
			continue
		}
		b.State = schemas.BackupExpired
		m.removeBlobs(id)
		expired++
	}
	if expired > 0 {
		m.logger.Info("Expired backups past retention", zap.Int("count", expired), zap.Duration("retention", m.retention))
	}
	return expired, m.persistLocked()
}

func (m *BackupManager) removeBlobs(id string) {
	for _, kind := range []string{"orig", "applied"} {
		if err := os.Remove(m.blob(id, kind)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("Failed to remove backup blob", zap.String("backup_id", id), zap.Error(err))
		}
	}
}

func (m *BackupManager) persistLocked() error {
	mf := manifest{Backups: make([]schemas.Backup, 0, len(m.backups))}
	for _, b := range m.backups {
		mf.Backups = append(mf.Backups, *b)
	}
	sort.Slice(mf.Backups, func(i, j int) bool { return mf.Backups[i].ID < mf.Backups[j].ID })
	raw, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode backup manifest: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(m.dir, manifestName), raw, 0o600); err != nil {
		return fmt.Errorf("failed to write backup manifest: %w", err)
	}
	return nil
}

// livePath resolves a slash separated path below root, rejecting anything
// that escapes it.
func livePath(root, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("invalid target path %q", rel)
	}
	path := filepath.Join(root, filepath.FromSlash(rel))
	r, err := filepath.Rel(root, path)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("target path %q escapes the root", rel)
	}
	return path, nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte, mode fs.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func hashContent(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
