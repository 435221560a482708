// Package calibrate scales raw strategy confidence by how often each strategy
// has actually succeeded in each issue domain.
package calibrate

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/store"
)

const (
	defaultMinObservations = 20
	defaultWindow          = 500
)

type key struct {
	strategy schemas.StrategyName
	domain   schemas.Category
}

// ring is a bounded window of recent outcomes.
type ring struct {
	outcomes  []bool
	next      int
	full      bool
	successes int
}

func newRing(size int) *ring {
	return &ring{outcomes: make([]bool, size)}
}

func (r *ring) len() int {
	if r.full {
		return len(r.outcomes)
	}
	return r.next
}

func (r *ring) push(success bool) {
	if r.full && r.outcomes[r.next] {
		r.successes--
	}
	r.outcomes[r.next] = success
	if success {
		r.successes++
	}
	r.next++
	if r.next == len(r.outcomes) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) rate() float64 {
	n := r.len()
	if n == 0 {
		return 1
	}
	return float64(r.successes) / float64(n)
}

// Calibrator holds a rolling accuracy table per (strategy, domain).
type Calibrator struct {
	store           store.CalibrationStore
	minObservations int
	window          int
	logger          *zap.Logger

	mu    sync.RWMutex
	table map[key]*ring
}

// New creates a calibrator. Call Load to seed it from persisted counts.
func New(cfg config.CalibrationConfig, st store.CalibrationStore, logger *zap.Logger) *Calibrator {
	minObs := cfg.MinObservations
	if minObs <= 0 {
		minObs = defaultMinObservations
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	if window < minObs {
		window = minObs
	}
	return &Calibrator{
		store:           st,
		minObservations: minObs,
		window:          window,
		logger:          logger.Named("calibrate"),
		table:           make(map[key]*ring),
	}
}

// Load seeds the windows from persisted counts. Counts larger than the
// window are scaled down keeping their success ratio; the order of the
// outcomes is not known, so successes and failures are interleaved.
func (c *Calibrator) Load(ctx context.Context) error {
	records, err := c.store.LoadCalibration(ctx)
	if err != nil {
		return fmt.Errorf("failed to load calibration: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range records {
		total := rec.Successes + rec.Failures
		if total == 0 {
			continue
		}
		n := min(total, int64(c.window))
		successes := rec.Successes * n / total

		r := newRing(c.window)
		var pushedS int64
		for i := int64(0); i < n; i++ {
			// Spread successes evenly across the window.
			want := successes * (i + 1) / n
			if pushedS < want {
				r.push(true)
				pushedS++
			} else {
				r.push(false)
			}
		}
		c.table[key{rec.Strategy, rec.Domain}] = r
	}
	c.logger.Debug("Calibration table loaded", zap.Int("pairs", len(c.table)))
	return nil
}

// Calibrate scales raw by the observed success rate. Until the pair has
// enough observations the raw value is returned unchanged.
func (c *Calibrator) Calibrate(strategy schemas.StrategyName, domain schemas.Category, raw float64) float64 {
	c.mu.RLock()
	r, ok := c.table[key{strategy, domain}]
	factor := 1.0
	if ok && r.len() >= c.minObservations {
		factor = r.rate()
	}
	c.mu.RUnlock()
	return clamp(raw * factor)
}

// SuccessRate reports the windowed success rate and the number of
// observations behind it.
func (c *Calibrator) SuccessRate(strategy schemas.StrategyName, domain schemas.Category) (float64, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.table[key{strategy, domain}]
	if !ok {
		return 1, 0
	}
	return r.rate(), r.len()
}

// Record feeds one outcome into the table and persists it.
func (c *Calibrator) Record(ctx context.Context, strategy schemas.StrategyName, domain schemas.Category, success bool) error {
	c.mu.Lock()
	k := key{strategy, domain}
	r, ok := c.table[k]
	if !ok {
		r = newRing(c.window)
		c.table[k] = r
	}
	r.push(success)
	c.mu.Unlock()

	if err := c.store.RecordCalibration(ctx, strategy, domain, success); err != nil {
		return fmt.Errorf("failed to persist calibration for %s/%s: %w", strategy, domain, err)
	}
	return nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
