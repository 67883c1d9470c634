package webhook

import (
	apphttp "rivvi_backend/internal/http"
	"rivvi_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
)

// Module is the webhook ingestion module implementing http.Module.
type Module struct {
	handler *Handler
	limiter *httpkit.IPRateLimiter
}

// NewModule creates the webhook module. limiter may be nil.
func NewModule(processor *Processor, deadLetters DeadLetterReader, secret string, limiter *httpkit.IPRateLimiter) *Module {
	return &Module{
		handler: NewHandler(processor, deadLetters, secret),
		limiter: limiter,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "webhook"
}

// RegisterRoutes mounts webhook routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	// Public provider endpoint (signature auth, no JWT)
	group := ctx.V1.Group("/webhooks")
	if m.limiter != nil {
		group.Use(m.limiter.RateLimit())
	}
	group.GET("/health", func(c *gin.Context) {
		httpkit.OK(c, gin.H{"status": "ok"})
	})
	group.POST("/calls", m.handler.HandleCallEvent)

	if m.handler.deadLetters != nil {
		ctx.Admin.GET("/dead-letters", m.handler.HandleListDeadLetters)
	}
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
