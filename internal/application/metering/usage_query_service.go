package metering

import (
	"context"
	"time"

	"github.com/pagemagic/meter/internal/domain/metering"
	"go.uber.org/zap"
)

// DefaultUsageLimit is the number of buckets returned by a usage query
const DefaultUsageLimit = 100

// UsageView is the user-visible form of a bucket. Sync state is not exposed.
type UsageView struct {
	MeterName   string
	SubjectID   string
	Value       float64
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// UsageQueryService answers meter and usage queries
type UsageQueryService struct {
	registry       *metering.Registry
	bucketRepo     metering.MeterBucketRepository
	logger         *zap.Logger
	maxLimit       int
	storageTimeout time.Duration
}

// NewUsageQueryService creates a new usage query service.
// maxLimit caps the number of buckets per query; zero uses DefaultUsageLimit.
func NewUsageQueryService(
	registry *metering.Registry,
	bucketRepo metering.MeterBucketRepository,
	logger *zap.Logger,
	maxLimit int,
	storageTimeout time.Duration,
) *UsageQueryService {
	if maxLimit <= 0 {
		maxLimit = DefaultUsageLimit
	}
	return &UsageQueryService{
		registry:       registry,
		bucketRepo:     bucketRepo,
		logger:         logger,
		maxLimit:       maxLimit,
		storageTimeout: storageTimeout,
	}
}

// ListActiveMeters returns the configured meter names
func (s *UsageQueryService) ListActiveMeters() []string {
	return s.registry.Names()
}

// GetUsage returns the subject's buckets, most recent period first.
// Average buckets report sum / count.
func (s *UsageQueryService) GetUsage(ctx context.Context, subjectID string, limit int) ([]UsageView, error) {
	if limit <= 0 || limit > s.maxLimit {
		limit = s.maxLimit
	}

	ctx, cancel := withTimeout(ctx, s.storageTimeout)
	defer cancel()

	buckets, err := s.bucketRepo.FindBySubject(ctx, subjectID, limit)
	if err != nil {
		s.logger.Error("Failed to load usage",
			zap.String("user_id", subjectID),
			zap.Error(err))
		return nil, err
	}

	views := make([]UsageView, 0, len(buckets))
	for _, b := range buckets {
		views = append(views, UsageView{
			MeterName:   b.MeterName,
			SubjectID:   b.SubjectID,
			Value:       s.registry.DisplayValue(b),
			PeriodStart: b.PeriodStart,
			PeriodEnd:   b.PeriodEnd,
		})
	}
	return views, nil
}
