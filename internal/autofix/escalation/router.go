// Package escalation offers issues the strategy chain could not fix to
// specialized handlers before they are handed to a human.
package escalation

import (
	"context"
	"errors"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/strategy"
	"github.com/xkilldash9x/scalpel-autofix/internal/observability"
)

// Handler is a specialized strategy for a class of issues.
type Handler interface {
	strategy.Strategy
	Handles(issue *schemas.Issue) bool
}

// Submitter validates a handler's candidate and applies it when it passes.
// accepted reports whether the candidate was taken.
type Submitter interface {
	Submit(ctx context.Context, issue *schemas.Issue, c *strategy.Candidate) (accepted bool, err error)
}

// Decliner is implemented by submitters that record handlers which made no
// proposal. err is nil when the handler simply had nothing to offer.
type Decliner interface {
	Decline(ctx context.Context, issue *schemas.Issue, handler schemas.StrategyName, err error) error
}

// SubmitFunc adapts a function to Submitter.
type SubmitFunc func(ctx context.Context, issue *schemas.Issue, c *strategy.Candidate) (bool, error)

func (f SubmitFunc) Submit(ctx context.Context, issue *schemas.Issue, c *strategy.Candidate) (bool, error) {
	return f(ctx, issue, c)
}

// Router tries its handlers in priority order.
type Router struct {
	handlers []Handler
	logger   *zap.Logger
}

// NewRouter creates a router over handlers, in the order given.
func NewRouter(logger *zap.Logger, handlers ...Handler) *Router {
	return &Router{handlers: handlers, logger: logger.Named("escalation")}
}

// Filter keeps the handlers whose names are listed, preserving priority
// order. An empty list keeps all of them.
func (r *Router) Filter(names []string) *Router {
	if len(names) == 0 {
		return r
	}
	out := &Router{logger: r.logger}
	for _, h := range r.handlers {
		if slices.Contains(names, handlerKey(h.Name())) {
			out.handlers = append(out.handlers, h)
		}
	}
	return out
}

// Handlers lists the handler names in priority order.
func (r *Router) Handlers() []schemas.StrategyName {
	out := make([]schemas.StrategyName, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Name())
	}
	return out
}

// Escalate offers the issue to each handler that claims it until one
// proposal is accepted. It reports false when every handler declined or
// every proposal was rejected; the caller then routes the issue to review.
// Handler errors are logged and treated as no proposal; submit errors abort.
func (r *Router) Escalate(ctx context.Context, issue *schemas.Issue, target strategy.Target, submit Submitter) (bool, error) {
	ctx, span := observability.Tracer("escalation").Start(ctx, "escalation.Escalate")
	defer span.End()
	span.SetAttributes(attribute.String("issue.id", issue.ID), attribute.String("issue.category", string(issue.Category)))

	for _, h := range r.handlers {
		if !h.Handles(issue) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		observability.ObserveEscalation(string(h.Name()))
		c, err := h.Propose(ctx, issue, target)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return false, err
			}
			r.logger.Warn("Escalation handler failed", zap.String("handler", string(h.Name())), zap.String("issue_id", issue.ID), zap.Error(err))
			if derr := decline(ctx, submit, issue, h.Name(), err); derr != nil {
				return false, derr
			}
			continue
		}
		if c == nil {
			r.logger.Debug("Escalation handler made no proposal", zap.String("handler", string(h.Name())), zap.String("issue_id", issue.ID))
			if derr := decline(ctx, submit, issue, h.Name(), nil); derr != nil {
				return false, derr
			}
			continue
		}
		accepted, err := submit.Submit(ctx, issue, c)
		if err != nil {
			span.RecordError(err)
			return false, err
		}
		if accepted {
			span.SetAttributes(attribute.String("escalation.handler", string(h.Name())))
			return true, nil
		}
	}
	return false, nil
}

func decline(ctx context.Context, submit Submitter, issue *schemas.Issue, handler schemas.StrategyName, err error) error {
	d, ok := submit.(Decliner)
	if !ok {
		return nil
	}
	return d.Decline(ctx, issue, handler, err)
}

// handlerKey is the configuration name of a handler.
func handlerKey(name schemas.StrategyName) string {
	switch name {
	case schemas.StrategySecurityHandler:
		return "security"
	case schemas.StrategyDependencyHandler:
		return "dependency"
	default:
		return string(name)
	}
}
