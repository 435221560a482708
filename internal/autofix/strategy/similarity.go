package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/fingerprint"
	"github.com/xkilldash9x/scalpel-autofix/internal/store"
)

const fixesCollection = "resolved-fixes"

// Similarity looks for previously resolved fixes whose code resembles the
// issue location and re-instantiates the nearest one that fits.
type Similarity struct {
	patterns      store.PatternStore
	db            *chromem.DB
	collection    *chromem.Collection
	minSimilarity float64
	neighbors     int
	logger        *zap.Logger

	warm   singleflight.Group
	warmed atomic.Bool
}

// NewSimilarity opens the fix index. With an empty dbPath the index lives in
// memory and is rebuilt from the pattern store on first use.
func NewSimilarity(cfg config.SimilarityConfig, dbPath string, patterns store.PatternStore, logger *zap.Logger) (*Similarity, error) {
	var (
		db  *chromem.DB
		err error
	)
	if dbPath == "" {
		db = chromem.NewDB()
	} else if db, err = chromem.NewPersistentDB(dbPath, false); err != nil {
		return nil, fmt.Errorf("failed to open similarity index at %s: %w", dbPath, err)
	}
	collection, err := db.GetOrCreateCollection(fixesCollection, nil, NewHashingEmbedder(cfg.Dimensions))
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", fixesCollection, err)
	}
	neighbors := cfg.Neighbors
	if neighbors <= 0 {
		neighbors = 3
	}
	return &Similarity{
		patterns:      patterns,
		db:            db,
		collection:    collection,
		minSimilarity: cfg.MinSimilarity,
		neighbors:     neighbors,
		logger:        logger.Named("similarity"),
	}, nil
}

func (s *Similarity) Name() schemas.StrategyName { return schemas.StrategySimilarity }

// Index adds or replaces the entry for a pattern.
func (s *Similarity) Index(ctx context.Context, p *schemas.Pattern) error {
	key := TemplateKey(p.Template)
	if key == "" {
		return nil
	}
	err := s.collection.AddDocument(ctx, chromem.Document{
		ID:      p.Fingerprint,
		Content: key,
		Metadata: map[string]string{
			"language": p.Language,
			"rule":     p.Rule,
		},
	})
	if errors.Is(err, ErrEmptyText) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to index pattern %s: %w", p.Fingerprint, err)
	}
	return nil
}

// Warm loads every stored pattern into the index once. Concurrent callers
// share a single load.
func (s *Similarity) Warm(ctx context.Context) error {
	if s.warmed.Load() {
		return nil
	}
	_, err, _ := s.warm.Do("warm", func() (interface{}, error) {
		if s.warmed.Load() {
			return nil, nil
		}
		patterns, err := s.patterns.ListPatterns(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list patterns: %w", err)
		}
		for i := range patterns {
			if err := s.Index(ctx, &patterns[i]); err != nil {
				return nil, err
			}
		}
		s.warmed.Store(true)
		s.logger.Debug("Similarity index warmed", zap.Int("patterns", len(patterns)), zap.Int("documents", s.collection.Count()))
		return nil, nil
	})
	return err
}

// Propose queries the nearest resolved fixes of the same language and
// replays the first whose template fits. The confidence is the similarity
// scaled by the neighbor's reliability.
func (s *Similarity) Propose(ctx context.Context, issue *schemas.Issue, target Target) (*Candidate, error) {
	if err := s.Warm(ctx); err != nil {
		return nil, err
	}
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	query := IssueKey(ctx, issue.Language, target.Content, issue.Span)
	if query == "" {
		return nil, nil
	}

	results, err := s.collection.Query(ctx, query, min(s.neighbors*2, count), nil, nil)
	if errors.Is(err, ErrEmptyText) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("similarity query failed: %w", err)
	}

	tried := 0
	for _, r := range results {
		if tried >= s.neighbors {
			break
		}
		if r.ID == issue.Fingerprint || r.Metadata["language"] != issue.Language {
			continue
		}
		similarity := float64(r.Similarity)
		if similarity < s.minSimilarity {
			break
		}
		tried++

		p, err := s.patterns.GetPattern(ctx, r.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load neighbor pattern: %w", err)
		}
		after, err := fingerprint.Instantiate(ctx, issue.Language, p.Template, target.Content, issue.Span)
		if err != nil {
			continue
		}
		return newCandidate(s.Name(), issue, target.Content, after, similarity*p.Reliability(),
			fmt.Sprintf("adapted the fix for a %s issue with %.2f similarity", p.Rule, similarity))
	}
	return nil, nil
}

// IssueKey is the generalized text of the issue's first line, the query side
// of the index.
func IssueKey(ctx context.Context, lang string, content []byte, span schemas.Span) string {
	if span.StartLine < 1 {
		return ""
	}
	return strings.TrimSpace(fingerprint.GeneralizeRegion(ctx, lang, content, span.StartLine-1, span.StartLine))
}

// TemplateKey is the generalized issue line of a template, the document side
// of the index.
func TemplateKey(tmpl schemas.Template) string {
	lines := strings.SplitAfter(tmpl.Before, "\n")
	if tmpl.Lead < 0 || tmpl.Lead >= len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[tmpl.Lead])
}
