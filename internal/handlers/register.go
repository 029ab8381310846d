// Copyright 2025 James Ross
package handlers

import (
	"github.com/dlearley/bi-agent-core/internal/cacheorch"
	"github.com/dlearley/bi-agent-core/internal/config"
	"github.com/dlearley/bi-agent-core/internal/store"
	"github.com/dlearley/bi-agent-core/internal/warehouse"
	"github.com/dlearley/bi-agent-core/internal/worker"
	"go.uber.org/zap"
)

// Deps bundles the components every job handler needs. Fields may be nil
// when the corresponding subsystem isn't wired for a given deployment
// role (e.g. a worker-only process with no Repositioner).
type Deps struct {
	Warehouse    *warehouse.Warehouse
	Store        *store.Store
	Cache        *cacheorch.Orchestrator
	Blob         *BlobStore
	Channels     []AlertChannel
	Repositioner Repositioner
}

// RegisterAll binds every job handler kind onto pool, one queue per kind
// per SPEC_FULL's package mapping: refresh/catalog work on "catalog",
// export/report on "reports", alerts on "alerts", replay on "ingestion".
func RegisterAll(pool *worker.Pool, cfg *config.Config, log *zap.Logger, deps Deps) {
	if log == nil {
		log = zap.NewNop()
	}

	refreshView := NewRefreshViewHandler(deps.Warehouse, deps.Store, deps.Cache)
	pool.RegisterHandler("catalog", "refresh_view", cfg.QueueSettings("catalog").Concurrency, refreshView.Handle)

	discovery := NewCatalogDiscoveryHandler(deps.Warehouse, deps.Store)
	pool.RegisterHandler("catalog", "catalog_discovery", cfg.QueueSettings("catalog").Concurrency, discovery.Handle)

	profile := NewCatalogProfileHandler(deps.Warehouse, deps.Store, log)
	pool.RegisterHandler("catalog", "catalog_profile", cfg.QueueSettings("catalog").Concurrency, profile.Handle)

	exportRender := NewExportRenderHandler(deps.Warehouse, deps.Blob, deps.Store)
	pool.RegisterHandler("reports", "export_render", cfg.QueueSettings("reports").Concurrency, exportRender.Handle)

	reportGenerate := NewReportGenerateHandler(deps.Warehouse, deps.Blob, deps.Store)
	pool.RegisterHandler("reports", "report_generate", cfg.QueueSettings("reports").Concurrency, reportGenerate.Handle)

	alertEvaluate := NewAlertEvaluateHandler(deps.Warehouse, deps.Store, deps.Channels)
	pool.RegisterHandler("alerts", "alert_evaluate", cfg.QueueSettings("alerts").Concurrency, alertEvaluate.Handle)

	if deps.Repositioner != nil {
		replay := NewCrmIngestOffsetHandler(deps.Repositioner)
		pool.RegisterHandler("ingestion", "crm_ingest_offset", cfg.QueueSettings("ingestion").Concurrency, replay.Handle)
	}
}
