package info

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"freightline/internal/domain"
	"freightline/internal/logging"
	"freightline/internal/search"
)

// Progress records a completed sub-step. A returned error aborts the run.
type Progress func(ctx context.Context, step domain.Step) error

// Agent gathers domain knowledge and disruption signals and assesses risk.
type Agent struct {
	Knowledge   []search.KnowledgeSource
	Disruptions []search.DisruptionSource
	Policy      RiskPolicy
	Logger      *zap.Logger
}

func New(knowledge []search.KnowledgeSource, disruptions []search.DisruptionSource, logger *zap.Logger) *Agent {
	return &Agent{
		Knowledge:   knowledge,
		Disruptions: disruptions,
		Policy:      DefaultPolicy(),
		Logger:      logging.OrNop(logger),
	}
}

type lookup[T any] struct {
	records []T
	err     error
}

// gather queries every source concurrently. Results keep source order and a
// failing source contributes nothing.
func gather[T any](ctx context.Context, n int, call func(ctx context.Context, i int) ([]T, error)) []lookup[T] {
	out := make([]lookup[T], n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			recs, err := call(gctx, i)
			out[i] = lookup[T]{records: recs, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Analyze runs the knowledge and disruption lookups and synthesizes a risk
// assessment. Individual source failures are absorbed and listed in
// SourceErrors; only the failure of every configured source is returned.
func (a *Agent) Analyze(ctx context.Context, forecast domain.Forecast, progress Progress) (domain.InfoAnalysis, error) {
	logger := logging.OrNop(a.Logger).With(zap.String("region", forecast.Region))
	if progress == nil {
		progress = func(context.Context, domain.Step) error { return nil }
	}
	var (
		analysis = domain.InfoAnalysis{
			DomainKnowledge: []domain.KnowledgeRecord{},
			DisruptionData:  []domain.DisruptionRecord{},
		}
		failures []error
	)
	fail := func(name string, err error) {
		cerr := &domain.CollaboratorError{Collaborator: name, Err: err}
		logger.Warn("source lookup failed", zap.String("source", name), zap.Error(err))
		failures = append(failures, cerr)
		analysis.SourceErrors = append(analysis.SourceErrors, cerr.Error())
	}

	query := search.KnowledgeQuery(forecast)
	kres := gather(ctx, len(a.Knowledge), func(ctx context.Context, i int) ([]domain.KnowledgeRecord, error) {
		return a.Knowledge[i].SearchKnowledge(ctx, query, forecast.Region)
	})
	for i, r := range kres {
		if r.err != nil {
			fail(a.Knowledge[i].Name(), r.err)
			continue
		}
		analysis.DomainKnowledge = append(analysis.DomainKnowledge, r.records...)
	}
	logger.Debug("knowledge search complete", zap.Int("records", len(analysis.DomainKnowledge)))
	if err := progress(ctx, domain.StepKnowledgeSearchComplete); err != nil {
		return domain.InfoAnalysis{}, err
	}

	dres := gather(ctx, len(a.Disruptions), func(ctx context.Context, i int) ([]domain.DisruptionRecord, error) {
		return a.Disruptions[i].SearchDisruptions(ctx, forecast.Region)
	})
	for i, r := range dres {
		if r.err != nil {
			fail(a.Disruptions[i].Name(), r.err)
			continue
		}
		analysis.DisruptionData = append(analysis.DisruptionData, r.records...)
	}
	logger.Debug("disruption search complete", zap.Int("records", len(analysis.DisruptionData)))
	if err := progress(ctx, domain.StepDisruptionSearchComplete); err != nil {
		return domain.InfoAnalysis{}, err
	}

	total := len(a.Knowledge) + len(a.Disruptions)
	if total > 0 && len(failures) == total {
		return domain.InfoAnalysis{}, &domain.CollaboratorError{
			Collaborator: "information sources",
			Err:          fmt.Errorf("all %d sources failed: %w", total, errors.Join(failures...)),
		}
	}

	policy := a.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	analysis.RiskAssessment = policy.Assess(PolicyInput{
		Forecast:    forecast,
		Knowledge:   analysis.DomainKnowledge,
		Disruptions: analysis.DisruptionData,
	})
	logger.Info("information analysis complete",
		zap.String("overall_risk", string(analysis.RiskAssessment.OverallRisk)),
		zap.Int("knowledge", len(analysis.DomainKnowledge)),
		zap.Int("disruptions", len(analysis.DisruptionData)),
		zap.String("source_errors", strings.Join(analysis.SourceErrors, "; ")),
	)
	return analysis, nil
}
