// Package exports produces downloadable run reports.
package exports

import (
	"rivvi_backend/internal/adapters/storage"
	apphttp "rivvi_backend/internal/http"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Module is the exports bounded context module implementing http.Module.
type Module struct {
	handler *Handler
}

// NewModule creates and initializes the exports module.
func NewModule(pool *pgxpool.Pool, storageSvc storage.StorageService) *Module {
	return &Module{handler: NewHandler(NewRepository(pool), storageSvc)}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "exports"
}

// RegisterRoutes mounts export routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Protected.GET("/runs/:id/report.csv", m.handler.ExportRunReport)
	ctx.Protected.GET("/runs/:id/files", m.handler.RunFiles)
}

var _ apphttp.Module = (*Module)(nil)
