package handler

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	appmetering "github.com/pagemagic/meter/internal/application/metering"
	"github.com/pagemagic/meter/internal/domain/metering"
	"github.com/pagemagic/meter/internal/infrastructure/logger"
	"github.com/pagemagic/meter/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

// EventIngester ingests a single usage event
type EventIngester interface {
	Ingest(ctx context.Context, event *metering.UsageEvent) error
}

// BatchIngester ingests a batch and reports per-event outcomes
type BatchIngester interface {
	IngestBatchDetailed(ctx context.Context, events []*metering.UsageEvent) []appmetering.BatchOutcome
}

// UsageQuerier reads aggregated usage
type UsageQuerier interface {
	GetUsage(ctx context.Context, subjectID string, limit int) ([]appmetering.UsageView, error)
}

// SyncAdmin triggers and inspects billing sync
type SyncAdmin interface {
	ForceSync(ctx context.Context) (int, error)
	ListDeadLettered(ctx context.Context, limit int) ([]*metering.AggregationBucket, error)
}

// MeteringHandlerConfig holds handler limits
type MeteringHandlerConfig struct {
	MaxBatchSize int
}

// DefaultMeteringHandlerConfig returns default handler limits
func DefaultMeteringHandlerConfig() MeteringHandlerConfig {
	return MeteringHandlerConfig{MaxBatchSize: 1000}
}

// MeteringHandler handles usage ingestion, usage queries and sync administration
type MeteringHandler struct {
	BaseHandler
	registry *metering.Registry
	ingester EventIngester
	batch    BatchIngester
	usage    UsageQuerier
	sync     SyncAdmin
	config   MeteringHandlerConfig
}

// NewMeteringHandler creates a new metering handler
func NewMeteringHandler(
	registry *metering.Registry,
	ingester EventIngester,
	batch BatchIngester,
	usage UsageQuerier,
	sync SyncAdmin,
	config MeteringHandlerConfig,
) *MeteringHandler {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultMeteringHandlerConfig().MaxBatchSize
	}
	return &MeteringHandler{
		registry: registry,
		ingester: ingester,
		batch:    batch,
		usage:    usage,
		sync:     sync,
		config:   config,
	}
}

// RegisterRoutes registers the metering routes under the API group
func (h *MeteringHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/events", h.IngestEvent)
	rg.POST("/events/batch", h.IngestBatch)
	rg.GET("/meters", h.ListMeters)
	rg.GET("/users/:user_id/usage", h.GetUserUsage)
	rg.POST("/sync", h.ForceSync)
	rg.GET("/sync/dead-letters", h.ListDeadLetters)
}

// IngestEvent handles POST /api/v1/events
func (h *MeteringHandler) IngestEvent(c *gin.Context) {
	var req dto.UsageEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	event, err := req.ToDomain()
	if err != nil {
		h.HandleError(c, err)
		return
	}

	ctx := logger.WithSubjectID(c.Request.Context(), event.SubjectID)
	if err := h.ingester.Ingest(ctx, event); err != nil {
		h.HandleError(c, err)
		return
	}

	h.Accepted(c, dto.IngestResponse{EventID: event.ID.String()})
}

// IngestBatch handles POST /api/v1/events/batch.
// Events are processed independently; the response reports how many succeeded.
func (h *MeteringHandler) IngestBatch(c *gin.Context) {
	var req dto.UsageEventBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}
	if len(req.Events) > h.config.MaxBatchSize {
		h.Error(c, http.StatusBadRequest, dto.ErrCodeValidation,
			fmt.Sprintf("Batch exceeds the maximum of %d events", h.config.MaxBatchSize))
		return
	}

	// Events that fail conversion count as failures without halting the batch.
	resp := dto.BatchIngestResponse{}
	events := make([]*metering.UsageEvent, 0, len(req.Events))
	positions := make([]int, 0, len(req.Events))
	for i, r := range req.Events {
		event, err := r.ToDomain()
		if err != nil {
			resp.FailedCount++
			resp.FailedIndices = append(resp.FailedIndices, i)
			continue
		}
		events = append(events, event)
		positions = append(positions, i)
	}

	for _, outcome := range h.batch.IngestBatchDetailed(c.Request.Context(), events) {
		if outcome.Succeeded() {
			resp.ProcessedCount++
			continue
		}
		resp.FailedCount++
		resp.FailedIndices = append(resp.FailedIndices, positions[outcome.Index])
	}
	sort.Ints(resp.FailedIndices)

	logger.L(c.Request.Context()).Info("Usage batch ingested",
		zap.Int("events", len(req.Events)),
		zap.Int("processed_count", resp.ProcessedCount))
	h.Success(c, resp)
}

// ListMeters handles GET /api/v1/meters
func (h *MeteringHandler) ListMeters(c *gin.Context) {
	meters := h.registry.Meters()
	resp := make([]dto.MeterResponse, 0, len(meters))
	for _, m := range meters {
		resp = append(resp, dto.NewMeterResponse(m))
	}
	h.Success(c, resp)
}

// GetUserUsage handles GET /api/v1/users/:user_id/usage
func (h *MeteringHandler) GetUserUsage(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		h.BadRequest(c, "user_id is required")
		return
	}

	var query dto.UsageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		h.BindError(c, err)
		return
	}

	ctx := logger.WithSubjectID(c.Request.Context(), userID)
	views, err := h.usage.GetUsage(ctx, userID, query.Limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := make([]dto.UsageRecordResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, dto.UsageRecordResponse{
			MeterName:   v.MeterName,
			UserID:      v.SubjectID,
			Value:       dto.MeterValue(v.Value),
			PeriodStart: v.PeriodStart,
			PeriodEnd:   v.PeriodEnd,
		})
	}
	h.Success(c, resp)
}

// ForceSync handles POST /api/v1/sync
func (h *MeteringHandler) ForceSync(c *gin.Context) {
	synced, err := h.sync.ForceSync(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.SyncResponse{SyncedRecords: synced})
}

// ListDeadLetters handles GET /api/v1/sync/dead-letters
func (h *MeteringHandler) ListDeadLetters(c *gin.Context) {
	var query dto.UsageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		h.BindError(c, err)
		return
	}

	buckets, err := h.sync.ListDeadLettered(c.Request.Context(), query.Limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := make([]dto.DeadLetterResponse, 0, len(buckets))
	for _, b := range buckets {
		resp = append(resp, dto.NewDeadLetterResponse(b, h.registry))
	}
	h.Success(c, resp)
}
