package metering

import (
	"context"

	"github.com/google/uuid"
	"github.com/pagemagic/meter/internal/domain/metering"
	"go.uber.org/zap"
)

// Ingester ingests a single usage event
type Ingester interface {
	Ingest(ctx context.Context, event *metering.UsageEvent) error
}

// BatchOutcome is the result of one event in a batch
type BatchOutcome struct {
	Index   int
	EventID uuid.UUID
	Err     error
}

// Succeeded reports whether the event was ingested
func (o BatchOutcome) Succeeded() bool {
	return o.Err == nil
}

// BatchProcessor drives a sequence of events through an Ingester.
// Events are independent: a failure is logged and processing continues.
type BatchProcessor struct {
	ingester Ingester
	logger   *zap.Logger
}

// NewBatchProcessor creates a new batch processor
func NewBatchProcessor(ingester Ingester, logger *zap.Logger) *BatchProcessor {
	return &BatchProcessor{
		ingester: ingester,
		logger:   logger,
	}
}

// IngestBatch processes every event and returns how many completed successfully.
// A count below len(events) means at least one event failed.
func (p *BatchProcessor) IngestBatch(ctx context.Context, events []*metering.UsageEvent) int {
	processed := 0
	for _, outcome := range p.IngestBatchDetailed(ctx, events) {
		if outcome.Succeeded() {
			processed++
		}
	}
	return processed
}

// IngestBatchDetailed processes every event and returns one outcome per event, in input order.
func (p *BatchProcessor) IngestBatchDetailed(ctx context.Context, events []*metering.UsageEvent) []BatchOutcome {
	outcomes := make([]BatchOutcome, len(events))
	failed := 0
	for i, event := range events {
		outcomes[i] = BatchOutcome{Index: i, EventID: event.ID}
		if err := p.ingester.Ingest(ctx, event); err != nil {
			p.logger.Warn("Failed to ingest event in batch",
				zap.Int("index", i),
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
			outcomes[i].Err = err
			failed++
		}
	}

	if failed > 0 {
		p.logger.Warn("Batch completed with failures",
			zap.Int("total", len(events)),
			zap.Int("failed", failed))
	}
	return outcomes
}
