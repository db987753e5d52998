// Package automation turns discovery results into proposals.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"crmflow/internal/domain"
	"crmflow/internal/engine"
	"crmflow/internal/provider"
)

// Discoverer finds candidate records for a query.
type Discoverer interface {
	Discover(ctx context.Context, q provider.Query) ([]provider.Candidate, error)
}

// Proposer creates proposals; engine.Engine implements it.
type Proposer interface {
	Create(ctx context.Context, opts engine.CreateOptions) (domain.Proposal, error)
}

// Deduper reports whether an equivalent proposal is still open.
type Deduper interface {
	HasOpenDuplicate(ctx context.Context, p domain.Proposal) (bool, error)
}

type Worker struct {
	Discoverer Discoverer
	Proposer   Proposer
	Dedupe     Deduper
	Logger     *slog.Logger
	// Concurrency bounds parallel discovery calls within one run.
	Concurrency int
}

// Summary is the outcome of one automation run.
type Summary struct {
	Config    string   `json:"config"`
	Processed int      `json:"processed"`
	Created   int      `json:"created"`
	Skipped   int      `json:"skipped"`
	Errors    int      `json:"errors"`
	Failures  []string `json:"failures,omitempty"`
}

func (s *Summary) fail(format string, args ...any) {
	s.Errors++
	s.Failures = append(s.Failures, fmt.Sprintf(format, args...))
}

func (w Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

type discovery struct {
	candidates []provider.Candidate
	err        error
}

// Run executes every target of cfg. Per-item failures are counted in the
// summary; only cancellation ends the run early.
func (w Worker) Run(ctx context.Context, cfg domain.AutomationConfig) (Summary, error) {
	sum := Summary{Config: cfg.Name}
	if !cfg.Enabled {
		w.logger().Info("automation disabled, nothing to do", "config", cfg.Name)
		return sum, nil
	}
	results := w.discoverAll(ctx, cfg.Targets)

	for i, target := range cfg.Targets {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res := results[i]
		if res.err != nil {
			w.logger().Warn("discovery failed", "config", cfg.Name, "entity_type", target.EntityType, "err", res.err)
			sum.fail("discover %s: %v", target.EntityType, res.err)
			continue
		}
		for _, c := range res.candidates {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			sum.Processed++
			w.propose(ctx, cfg, target, c, &sum)
		}
	}
	w.logger().Info("automation run finished", "config", cfg.Name,
		"processed", sum.Processed, "created", sum.Created, "skipped", sum.Skipped, "errors", sum.Errors)
	return sum, nil
}

func (w Worker) discoverAll(ctx context.Context, targets []domain.AutomationTarget) []discovery {
	results := make([]discovery, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	limit := w.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			cands, err := w.Discoverer.Discover(gctx, provider.Query{
				EntityType: string(target.EntityType),
				Query:      target.Query,
				Limit:      target.Limit,
			})
			results[i] = discovery{candidates: cands, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (w Worker) propose(ctx context.Context, cfg domain.AutomationConfig, target domain.AutomationTarget, c provider.Candidate, sum *Summary) {
	op := target.Operation
	if op == "" {
		op = domain.OperationCreate
	}
	payload := MapFields(c.Fields, target.FieldMap, target.Defaults)

	if w.Dedupe != nil {
		hash, err := engine.PayloadHash(payload)
		if err == nil {
			lookup := domain.Proposal{TenantID: cfg.TenantID, EntityType: target.EntityType, Operation: op, PayloadHash: hash}
			if id := strings.TrimSpace(c.EntityID); id != "" {
				lookup.EntityID = &id
			}
			dup, err := w.Dedupe.HasOpenDuplicate(ctx, lookup)
			if err != nil {
				sum.fail("dedupe %s: %v", target.EntityType, err)
				return
			}
			if dup {
				sum.Skipped++
				return
			}
		}
	}

	p, err := w.Proposer.Create(ctx, engine.CreateOptions{
		TenantID:   cfg.TenantID,
		EntityType: target.EntityType,
		Operation:  op,
		EntityID:   c.EntityID,
		Payload:    payload,
		Source:     cfg.Name,
		ActorID:    "automation:" + cfg.Name,
	})
	if err != nil {
		w.logger().Warn("create proposal failed", "config", cfg.Name, "entity_type", target.EntityType, "err", err)
		sum.fail("create %s: %v", target.EntityType, err)
		return
	}
	sum.Created++
	w.logger().Debug("proposal created", "config", cfg.Name, "proposal", p.ID, "status", p.Status, "valid", p.Valid())
}

// MapFields builds a proposal payload from provider fields. With a field map
// only mapped fields are kept (provider name to payload name); without one the
// fields are copied. Defaults fill in fields that are still missing.
func MapFields(fields map[string]any, fieldMap map[string]string, defaults map[string]any) domain.Payload {
	payload := domain.Payload{}
	if len(fieldMap) == 0 {
		for k, v := range fields {
			payload[k] = v
		}
	} else {
		for from, to := range fieldMap {
			if v, ok := fields[from]; ok {
				payload[to] = v
			}
		}
	}
	for k, v := range defaults {
		if _, ok := payload[k]; !ok {
			payload[k] = v
		}
	}
	return payload
}
