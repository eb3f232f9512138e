package search

import (
	"context"
	"time"

	"freightline/internal/domain"
)

// KnowledgeWithTimeout bounds every lookup on src by d. A zero d leaves src
// unbounded.
func KnowledgeWithTimeout(src KnowledgeSource, d time.Duration) KnowledgeSource {
	if d <= 0 {
		return src
	}
	return timedKnowledge{src: src, d: d}
}

func DisruptionsWithTimeout(src DisruptionSource, d time.Duration) DisruptionSource {
	if d <= 0 {
		return src
	}
	return timedDisruptions{src: src, d: d}
}

type timedKnowledge struct {
	src KnowledgeSource
	d   time.Duration
}

func (t timedKnowledge) Name() string { return t.src.Name() }

func (t timedKnowledge) SearchKnowledge(ctx context.Context, query, region string) ([]domain.KnowledgeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.src.SearchKnowledge(ctx, query, region)
}

type timedDisruptions struct {
	src DisruptionSource
	d   time.Duration
}

func (t timedDisruptions) Name() string { return t.src.Name() }

func (t timedDisruptions) SearchDisruptions(ctx context.Context, region string) ([]domain.DisruptionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.src.SearchDisruptions(ctx, region)
}
