// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetback/fleetback/internal/models"
	"github.com/fleetback/fleetback/internal/orchestrator"
)

// Handler holds the orchestration services the endpoints call into.
type Handler struct {
	services *orchestrator.Services
	version  string
}

// NewHandler constructs the handler set.
func NewHandler(services *orchestrator.Services, version string) *Handler {
	return &Handler{services: services, version: version}
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok", "version": h.version})
}

// HealthReady reports readiness to serve traffic. The engine has no warmup
// phase: once the supervisor tree is up, it is ready.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ListPlans handles GET /api/v1/plans.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.services.Plans.ListPlans(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, plans)
}

// CreatePlan handles POST /api/v1/plans.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var plan models.Plan
	if err := decodeBody(r, &plan); err != nil {
		writeError(w, err)
		return
	}
	created, err := h.services.Plans.CreatePlan(r.Context(), &plan)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

// GetPlan handles GET /api/v1/plans/{planID}.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.services.Plans.GetPlan(r.Context(), chi.URLParam(r, "planID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, plan)
}

// UpdatePlan handles PUT /api/v1/plans/{planID}.
func (h *Handler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	var plan models.Plan
	if err := decodeBody(r, &plan); err != nil {
		writeError(w, err)
		return
	}
	plan.ID = planID
	updated, err := h.services.Plans.UpdatePlan(r.Context(), planID, &plan)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

// DeletePlan handles DELETE /api/v1/plans/{planID}.
func (h *Handler) DeletePlan(w http.ResponseWriter, r *http.Request) {
	if err := h.services.Plans.DeletePlan(r.Context(), chi.URLParam(r, "planID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerBackup handles POST /api/v1/plans/{planID}/backup. Accepted means
// queued: completion arrives through the event stream, not this response.
func (h *Handler) TriggerBackup(w http.ResponseWriter, r *http.Request) {
	backupID, err := h.services.Backups.TriggerBackup(r.Context(), chi.URLParam(r, "planID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]string{"backupId": backupID})
}

// CancelBackup handles DELETE /api/v1/plans/{planID}/backup.
func (h *Handler) CancelBackup(w http.ResponseWriter, r *http.Request) {
	if err := h.services.Backups.CancelBackup(r.Context(), chi.URLParam(r, "planID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PauseBackup handles POST /api/v1/plans/{planID}/backup/pause.
func (h *Handler) PauseBackup(w http.ResponseWriter, r *http.Request) {
	if err := h.services.Backups.PauseBackup(r.Context(), chi.URLParam(r, "planID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResumeBackup handles POST /api/v1/plans/{planID}/backup/resume.
func (h *Handler) ResumeBackup(w http.ResponseWriter, r *http.Request) {
	if err := h.services.Backups.ResumeBackup(r.Context(), chi.URLParam(r, "planID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PruneBackups handles POST /api/v1/plans/{planID}/prune.
func (h *Handler) PruneBackups(w http.ResponseWriter, r *http.Request) {
	if err := h.services.Backups.PruneBackups(r.Context(), chi.URLParam(r, "planID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// UnlockRepo handles POST /api/v1/plans/{planID}/unlock.
func (h *Handler) UnlockRepo(w http.ResponseWriter, r *http.Request) {
	if err := h.services.Backups.UnlockRepo(r.Context(), chi.URLParam(r, "planID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSnapshots handles GET /api/v1/plans/{planID}/snapshots.
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.services.Backups.ListSnapshots(r.Context(), chi.URLParam(r, "planID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, snaps)
}

// GetSnapshotFiles handles GET /api/v1/plans/{planID}/snapshots/{snapshotID}/files.
// An optional ?path= query limits the listing to a path prefix.
func (h *Handler) GetSnapshotFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.services.Backups.GetSnapshotFiles(r.Context(),
		chi.URLParam(r, "planID"), chi.URLParam(r, "snapshotID"), r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, files)
}

// ForgetSnapshot handles DELETE /api/v1/plans/{planID}/snapshots/{snapshotID}.
func (h *Handler) ForgetSnapshot(w http.ResponseWriter, r *http.Request) {
	err := h.services.Backups.ForgetSnapshot(r.Context(),
		chi.URLParam(r, "planID"), chi.URLParam(r, "snapshotID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListBackups handles GET /api/v1/plans/{planID}/backups.
func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	recs, err := h.services.Backups.ListBackups(r.Context(), chi.URLParam(r, "planID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, recs)
}

// GetBackup handles GET /api/v1/backups/{backupID}.
func (h *Handler) GetBackup(w http.ResponseWriter, r *http.Request) {
	rec, err := h.services.Backups.GetBackup(r.Context(), chi.URLParam(r, "backupID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, rec)
}

// GetBackupProgress handles GET /api/v1/backups/{backupID}/progress.
func (h *Handler) GetBackupProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.services.Backups.GetProgress(r.Context(), chi.URLParam(r, "backupID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, progress)
}

// downloadRequest is the body of a download request.
type downloadRequest struct {
	Paths []string `json:"paths"`
}

// RequestDownload handles POST /api/v1/backups/{backupID}/download.
func (h *Handler) RequestDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.services.Backups.RequestDownload(r.Context(), chi.URLParam(r, "backupID"), req.Paths); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// TriggerRestore handles POST /api/v1/backups/{backupID}/restore. The body
// is the restore configuration.
func (h *Handler) TriggerRestore(w http.ResponseWriter, r *http.Request) {
	var cfg models.RestoreConfig
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	restoreID, err := h.services.Restores.TriggerRestore(r.Context(), chi.URLParam(r, "backupID"), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]string{"restoreId": restoreID})
}

// ListRestores handles GET /api/v1/backups/{backupID}/restores.
func (h *Handler) ListRestores(w http.ResponseWriter, r *http.Request) {
	recs, err := h.services.Restores.ListRestores(r.Context(), chi.URLParam(r, "backupID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, recs)
}

// GetRestore handles GET /api/v1/restores/{restoreID}.
func (h *Handler) GetRestore(w http.ResponseWriter, r *http.Request) {
	rec, err := h.services.Restores.GetRestore(r.Context(), chi.URLParam(r, "restoreID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, rec)
}

// CancelRestore handles DELETE /api/v1/restores/{restoreID}.
func (h *Handler) CancelRestore(w http.ResponseWriter, r *http.Request) {
	if err := h.services.Restores.CancelRestore(r.Context(), chi.URLParam(r, "restoreID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
