// Package campaigns provides the campaign bounded context module.
package campaigns

import (
	"rivvi_backend/internal/campaigns/handler"
	"rivvi_backend/internal/campaigns/repository"
	"rivvi_backend/internal/campaigns/service"
	apphttp "rivvi_backend/internal/http"
	"rivvi_backend/platform/logger"
	"rivvi_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Module is the campaign bounded context module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
	repo    repository.Repository
}

// NewModule creates and initializes the campaign module.
func NewModule(pool *pgxpool.Pool, val *validator.Validator, log *logger.Logger) *Module {
	repo := repository.New(pool)
	svc := service.New(repo, log)

	return &Module{
		handler: handler.New(svc, val),
		service: svc,
		repo:    repo,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "campaigns"
}

// Repository exposes campaign lookups to the runs module.
func (m *Module) Repository() repository.Repository {
	return m.repo
}

// RegisterRoutes mounts campaign routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	group := ctx.Protected.Group("/campaigns")
	group.POST("", m.handler.Create)
	group.GET("", m.handler.List)
	group.GET("/:id", m.handler.Get)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
