package service

import (
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/applier"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/calibrate"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/learning"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/review"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/strategy"
	"github.com/xkilldash9x/scalpel-autofix/internal/notify"
	"github.com/xkilldash9x/scalpel-autofix/internal/store"
)

// Components holds everything a command needs to run the pipeline and
// centralizes their shutdown.
type Components struct {
	Store      store.Repository
	Pipeline   *autofix.Pipeline
	Applier    *applier.Applier
	Calibrator *calibrate.Calibrator
	Learner    *learning.Loop
	Similarity *strategy.Similarity
	Bus        *notify.Bus
	LLM        schemas.LLMClient

	nc     *nats.Conn
	logger *zap.Logger
}

// Review returns a review service for the repository at root.
func (c *Components) Review(root string) *review.Service {
	return review.New(c.Store, c.Pipeline, c.Learner, root, c.logger)
}

// Shutdown releases resources in reverse order of creation. Safe on a
// partially built Components.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// Drain queued events before their transports go away.
	if c.Bus != nil {
		c.Bus.Shutdown()
		if dropped := c.Bus.Dropped(); dropped > 0 {
			logger.Warn("Events were dropped by slow sinks.", zap.Int64("dropped", dropped))
		}
	}
	if c.nc != nil {
		if err := c.nc.Drain(); err != nil {
			logger.Warn("Error draining NATS connection.", zap.Error(err))
		}
	}
	if c.LLM != nil {
		if err := c.LLM.Close(); err != nil {
			logger.Warn("Error closing LLM client.", zap.Error(err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			logger.Warn("Error closing store.", zap.Error(err))
		}
	}
	logger.Debug("All components shut down.")
}
