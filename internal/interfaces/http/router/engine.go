package router

import (
	"github.com/gin-gonic/gin"
	"github.com/pagemagic/meter/internal/infrastructure/logger"
	"github.com/pagemagic/meter/internal/interfaces/http/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// EngineConfig holds the settings of the HTTP middleware stack
type EngineConfig struct {
	ServiceName    string
	Production     bool
	TracingEnabled bool
	Meter          metric.Meter // nil disables HTTP metrics
	TrustedProxies []string
	CORSOrigins    []string
	MaxBodySize    int64 // 0 means unlimited
	HSTS           bool
}

// NewEngine builds a gin engine with the service middleware chain. Order
// matters: the request ID must exist before recovery and logging use it, and
// span attributes need the otelgin span.
func NewEngine(cfg EngineConfig, log *zap.Logger) *gin.Engine {
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if len(cfg.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
			log.Warn("Ignoring invalid trusted proxies", zap.Strings("proxies", cfg.TrustedProxies), zap.Error(err))
		}
	}

	chain := []gin.HandlerFunc{
		middleware.RequestID(),
		logger.Recovery(log),
		middleware.Tracing(cfg.ServiceName, cfg.TracingEnabled),
		middleware.SpanAttributes(),
		middleware.SpanErrorMarker(),
		logger.GinMiddleware(log),
		middleware.HTTPMetrics(cfg.Meter),
		middleware.APIHeaders(cfg.HSTS),
		middleware.CORS(cfg.CORSOrigins),
	}
	if cfg.MaxBodySize > 0 {
		chain = append(chain, middleware.BodyLimit(cfg.MaxBodySize))
	}
	engine.Use(chain...)

	return engine
}
