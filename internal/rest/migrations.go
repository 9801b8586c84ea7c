package rest

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	apierror "github.com/pbinitiative/zenworkflow/internal/rest/error"
	"github.com/pbinitiative/zenworkflow/internal/rest/public"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
)

func (s *Server) migrationRoutes(r chi.Router) {
	r.Post("/plans", s.generateMigrationPlan)
	r.Post("/plans/validate", s.validateMigrationPlan)
	r.Get("/plans/{planId}", s.getMigrationPlan)
	r.Post("/executions", s.executeMigration)
	r.Get("/executions/{executionId}", s.getMigrationExecution)
	r.Post("/executions/{executionId}/rollback", s.rollbackMigration)
}

func (s *Server) generateMigrationPlan(w http.ResponseWriter, r *http.Request) {
	var req public.GenerateMigrationPlanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Source.Key == "" || req.Target.Key == "" {
		writeError(w, r, http.StatusBadRequest, apierror.BadRequest(fmt.Errorf("source and target keys are required")))
		return
	}
	plan, err := s.engine.GenerateMigrationPlan(r.Context(), tenantOf(r), req.Source, req.Target)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) getMigrationPlan(w http.ResponseWriter, r *http.Request) {
	planId, ok := int64Param(w, r, "planId")
	if !ok {
		return
	}
	plan, err := s.engine.GetMigrationPlan(r.Context(), planId)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// validateMigrationPlan checks a plan edited by the client before it is used.
func (s *Server) validateMigrationPlan(w http.ResponseWriter, r *http.Request) {
	var plan runtime.MigrationPlan
	if !decodeJSON(w, r, &plan) {
		return
	}
	plan.TenantId = tenantOf(r)
	result, err := s.engine.ValidateMigrationPlan(r.Context(), plan)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) executeMigration(w http.ResponseWriter, r *http.Request) {
	var req public.ExecuteMigrationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PlanId == 0 || len(req.InstanceIds) == 0 {
		writeError(w, r, http.StatusBadRequest, apierror.BadRequest(fmt.Errorf("planId and instanceIds are required")))
		return
	}
	execution, err := s.engine.ExecuteMigration(r.Context(), req.PlanId, req.InstanceIds)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, execution)
}

func (s *Server) getMigrationExecution(w http.ResponseWriter, r *http.Request) {
	executionId, ok := int64Param(w, r, "executionId")
	if !ok {
		return
	}
	execution, err := s.engine.GetMigrationExecution(r.Context(), executionId)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

func (s *Server) rollbackMigration(w http.ResponseWriter, r *http.Request) {
	executionId, ok := int64Param(w, r, "executionId")
	if !ok {
		return
	}
	rollback, err := s.engine.RollbackMigration(r.Context(), executionId)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rollback)
}
