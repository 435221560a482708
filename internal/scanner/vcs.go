package scanner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"go.uber.org/zap"
)

// ChangeSource reports files recently changed under version control.
type ChangeSource interface {
	// Changed returns absolute paths of changed files under root.
	Changed(ctx context.Context, root string) (map[string]bool, error)
}

// GitChanges combines worktree status with the files touched by the last
// RecentCommits commits.
type GitChanges struct {
	RecentCommits int
	logger        *zap.Logger
}

// NewGitChanges creates a go-git backed ChangeSource.
func NewGitChanges(logger *zap.Logger, recentCommits int) *GitChanges {
	return &GitChanges{RecentCommits: recentCommits, logger: logger.Named("vcs")}
}

// Changed implements ChangeSource. A root outside any repository yields an
// empty set.
func (g *GitChanges) Changed(ctx context.Context, root string) (map[string]bool, error) {
	changed := make(map[string]bool)
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		g.logger.Debug("Scan root is not a git repository", zap.String("root", root))
		return changed, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}
	repoRoot := wt.Filesystem.Root()
	add := func(rel string) {
		abs := filepath.Join(repoRoot, filepath.FromSlash(rel))
		if within(root, abs) {
			changed[abs] = true
		}
	}

	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to read worktree status: %w", err)
	}
	for path, st := range status {
		if st.Worktree != git.Unmodified || st.Staging != git.Unmodified {
			add(path)
		}
	}

	if g.RecentCommits <= 0 {
		return changed, nil
	}
	head, err := repo.Head()
	if err != nil {
		// A repository without commits has nothing more to offer.
		g.logger.Debug("Repository has no HEAD", zap.Error(err))
		return changed, nil
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to read commit log: %w", err)
	}
	defer iter.Close()

	seen := 0
	err = iter.ForEach(func(c *object.Commit) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if seen >= g.RecentCommits {
			return storer.ErrStop
		}
		seen++
		stats, err := c.Stats()
		if err != nil {
			return fmt.Errorf("failed to diff commit %s: %w", c.Hash, err)
		}
		for _, fs := range stats {
			add(fs.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
