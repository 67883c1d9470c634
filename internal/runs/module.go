// Package runs provides the run lifecycle bounded context module.
package runs

import (
	apphttp "rivvi_backend/internal/http"
	"rivvi_backend/internal/runs/handler"
	"rivvi_backend/internal/runs/repository"
	"rivvi_backend/internal/runs/service"
	"rivvi_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Module is the run bounded context module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
	repo    repository.Repository
}

// NewModule creates and initializes the run module. deps.Repo is filled in
// from pool when unset.
func NewModule(pool *pgxpool.Pool, deps service.Deps, val *validator.Validator) *Module {
	if deps.Repo == nil {
		deps.Repo = repository.New(pool)
	}
	svc := service.New(deps)

	return &Module{
		handler: handler.New(svc, val),
		service: svc,
		repo:    deps.Repo,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "runs"
}

// Service returns the service layer for external use.
func (m *Module) Service() *service.Service {
	return m.service
}

// Repository returns the repository for the dispatch and status mirror adapters.
func (m *Module) Repository() repository.Repository {
	return m.repo
}

// RegisterRoutes mounts run routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	group := ctx.Protected.Group("/runs")
	group.POST("", m.handler.Create)
	group.GET("", m.handler.List)
	group.GET("/state", m.handler.QueryStates)
	group.GET("/:id", m.handler.Get)
	group.POST("/:id/upload", m.handler.Upload)
	group.POST("/:id/start", m.handler.Start)
	group.POST("/:id/pause", m.handler.Pause)
	group.POST("/:id/resume", m.handler.Resume)
	group.POST("/:id/finish", m.handler.Finish)
	group.GET("/:id/calls", m.handler.ListCalls)
	group.GET("/:id/calls/active", m.handler.ActiveCalls)

	ctx.Protected.GET("/organizations/active-run", m.handler.ActiveRun)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
