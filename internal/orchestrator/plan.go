// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetback/fleetback/internal/apperr"
	"github.com/fleetback/fleetback/internal/logging"
	"github.com/fleetback/fleetback/internal/models"
	"github.com/fleetback/fleetback/internal/store"
)

// PlanService manages plan definitions. The reconciliation engine reads
// plans; only this service writes their configuration.
type PlanService struct {
	stores store.Stores
	logger zerolog.Logger
}

// NewPlanService constructs the service.
func NewPlanService(stores store.Stores) *PlanService {
	return &PlanService{
		stores: stores,
		logger: logging.With().Str("component", "plan_service").Logger(),
	}
}

// GetPlan returns one plan.
func (s *PlanService) GetPlan(ctx context.Context, planID string) (*models.Plan, error) {
	plan, err := s.stores.Plans.GetByID(ctx, planID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("plan %s not found", planID)
		}
		return nil, apperr.Internal("load plan", err)
	}
	return plan, nil
}

// ListPlans returns all plans.
func (s *PlanService) ListPlans(ctx context.Context) ([]*models.Plan, error) {
	plans, err := s.stores.Plans.List(ctx)
	if err != nil {
		return nil, apperr.Internal("list plans", err)
	}
	return plans, nil
}

// CreatePlan validates and persists a new plan. An empty id is assigned.
func (s *PlanService) CreatePlan(ctx context.Context, plan *models.Plan) (*models.Plan, error) {
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	plan.CreatedAt = now
	plan.UpdatedAt = now

	if err := plan.Validate(); err != nil {
		return nil, apperr.BadRequest("invalid plan: %v", err)
	}
	if err := s.stores.Plans.Create(ctx, plan); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, apperr.Conflict("plan %s already exists", plan.ID)
		}
		return nil, apperr.Internal("create plan", err)
	}
	s.logger.Info().Str("plan_id", plan.ID).Str("name", plan.Name).Msg("plan created")
	return plan, nil
}

// UpdatePlan applies configuration changes. The engine-owned stats fields
// are preserved, not overwritten by the caller's copy.
func (s *PlanService) UpdatePlan(ctx context.Context, planID string, update *models.Plan) (*models.Plan, error) {
	if err := update.Validate(); err != nil {
		return nil, apperr.BadRequest("invalid plan: %v", err)
	}
	plan, err := s.stores.Plans.Update(ctx, planID, func(p *models.Plan) {
		p.Name = update.Name
		p.SourceID = update.SourceID
		p.StorageID = update.StorageID
		p.SourceType = update.SourceType
		p.SourceConfig = update.SourceConfig
		p.StoragePath = update.StoragePath
		p.Encryption = update.Encryption
		p.Compression = update.Compression
		p.Schedule = update.Schedule
		p.Settings = update.Settings
		p.UpdatedAt = time.Now().UTC()
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("plan %s not found", planID)
		}
		return nil, apperr.Internal("update plan", err)
	}
	return plan, nil
}

// DeletePlan removes a plan. Rejected while an operation is in flight.
func (s *PlanService) DeletePlan(ctx context.Context, planID string) error {
	active, err := s.stores.Backups.HasActiveBackups(ctx, planID)
	if err != nil {
		return apperr.Internal("check active backups", err)
	}
	if !active {
		activeRestore, err := s.stores.Restores.HasActiveRestore(ctx, planID)
		if err != nil {
			return apperr.Internal("check active restores", err)
		}
		active = activeRestore
	}
	if active {
		return apperr.Conflict("plan %s has an operation in progress", planID)
	}

	if err := s.stores.Plans.Delete(ctx, planID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("plan %s not found", planID)
		}
		return apperr.Internal("delete plan", err)
	}
	s.logger.Info().Str("plan_id", planID).Msg("plan deleted")
	return nil
}
