// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

// Package api exposes the orchestration services over HTTP using Chi. It is
// a thin layer: validation and conflict detection live in the orchestrator,
// the router only translates typed application errors into status codes.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetback/fleetback/internal/orchestrator"
	"github.com/fleetback/fleetback/internal/websocket"
)

// Router builds the HTTP handler tree.
type Router struct {
	handler *Handler
	hub     *websocket.Hub
	mwCfg   MiddlewareConfig
}

// NewRouter wires the services and websocket hub into a router.
func NewRouter(services *orchestrator.Services, hub *websocket.Hub, version string, mwCfg MiddlewareConfig) *Router {
	return &Router{
		handler: NewHandler(services, version),
		hub:     hub,
		mwCfg:   mwCfg,
	}
}

// Setup returns the fully configured handler.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.mwCfg.corsHandler())

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.mwCfg.rateLimit())
		r.Use(requestMetrics)

		r.Route("/plans", func(r chi.Router) {
			r.Get("/", router.handler.ListPlans)
			r.Post("/", router.handler.CreatePlan)

			r.Route("/{planID}", func(r chi.Router) {
				r.Get("/", router.handler.GetPlan)
				r.Put("/", router.handler.UpdatePlan)
				r.Delete("/", router.handler.DeletePlan)

				r.Post("/backup", router.handler.TriggerBackup)
				r.Delete("/backup", router.handler.CancelBackup)
				r.Post("/backup/pause", router.handler.PauseBackup)
				r.Post("/backup/resume", router.handler.ResumeBackup)
				r.Post("/prune", router.handler.PruneBackups)
				r.Post("/unlock", router.handler.UnlockRepo)
				r.Get("/backups", router.handler.ListBackups)

				r.Get("/snapshots", router.handler.ListSnapshots)
				r.Get("/snapshots/{snapshotID}/files", router.handler.GetSnapshotFiles)
				r.Delete("/snapshots/{snapshotID}", router.handler.ForgetSnapshot)
			})
		})

		r.Route("/backups/{backupID}", func(r chi.Router) {
			r.Get("/", router.handler.GetBackup)
			r.Get("/progress", router.handler.GetBackupProgress)
			r.Post("/download", router.handler.RequestDownload)
			r.Post("/restore", router.handler.TriggerRestore)
			r.Get("/restores", router.handler.ListRestores)
		})

		r.Route("/restores/{restoreID}", func(r chi.Router) {
			r.Get("/", router.handler.GetRestore)
			r.Delete("/", router.handler.CancelRestore)
		})

		if router.hub != nil {
			r.Get("/ws", websocket.Handler(router.hub))
		}
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
