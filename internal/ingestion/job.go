package ingestion

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/newsrag/internal/logging"
)

// Job runs fetch-then-index passes.
type Job struct {
	source  Source
	indexer *Indexer
	logger  *logging.Logger
}

// NewJob creates a Job.
func NewJob(source Source, indexer *Indexer, logger *logging.Logger) *Job {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Job{source: source, indexer: indexer, logger: logger.Named("ingestion")}
}

// RunOnce performs one pass and returns the number of articles indexed.
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	articles, err := j.source.Fetch(ctx)
	if err != nil {
		Runs.WithLabelValues("error").Inc()
		return 0, err
	}
	n, err := j.indexer.Index(ctx, articles)
	if err != nil {
		Runs.WithLabelValues("error").Inc()
		return 0, err
	}
	Runs.WithLabelValues("ok").Inc()
	j.logger.Info(ctx, "ingestion pass complete",
		zap.Int("fetched", len(articles)),
		zap.Int("indexed", n),
		zap.Duration("duration", time.Since(start)))
	return n, nil
}

// Run repeats RunOnce every interval until ctx is done. Failed passes are
// logged and retried on the next tick.
func (j *Job) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error(ctx, "ingestion pass failed", zap.Error(err))
			}
		}
	}
}
