package rest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	apierror "github.com/pbinitiative/zenworkflow/internal/rest/error"
	"github.com/pbinitiative/zenworkflow/internal/rest/public"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenworkflow/pkg/storage"
)

type instanceCtxKey struct{}

func (s *Server) instanceRoutes(r chi.Router) {
	r.Get("/", s.listInstances)
	r.Post("/", s.startInstance)
	r.Route("/{instanceId}", func(r chi.Router) {
		r.Use(s.tenantInstance)
		r.Get("/", s.getInstance)
		r.Post("/signal", s.signalInstance)
		r.Post("/suspend", s.suspendInstance)
		r.Post("/resume", s.resumeInstance)
		r.Post("/cancel", s.cancelInstance)
		r.Get("/activities", s.activityHistory)
		r.Post("/activities/{activityId}/retry", s.retryActivity)
		r.Get("/variables", s.getVariables)
		r.Put("/variables", s.setVariables)
		r.Get("/incidents", s.instanceIncidents)
	})
}

// tenantInstance loads the instance of the path. Instances of other tenants
// are not found since the request context carries the caller's tenant.
func (s *Server) tenantInstance(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		instance, err := s.engine.GetInstance(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), instanceCtxKey{}, instance)))
	})
}

func instanceOf(r *http.Request) runtime.ProcessInstance {
	instance, _ := r.Context().Value(instanceCtxKey{}).(runtime.ProcessInstance)
	return instance
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	version, ok := int32Query(w, r, "version")
	if !ok {
		return
	}
	limit, ok := int32Query(w, r, "limit")
	if !ok {
		return
	}
	instances, err := s.engine.FindInstances(r.Context(), storage.InstanceFilter{
		TenantId:      tenantOf(r),
		DefinitionKey: q.Get("definitionKey"),
		Version:       version,
		State:         runtime.InstanceState(q.Get("state")),
		BusinessKey:   q.Get("businessKey"),
		Limit:         int(limit),
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, public.NewListResponse(instances))
}

func (s *Server) startInstance(w http.ResponseWriter, r *http.Request) {
	var req public.StartInstanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DefinitionKey == "" {
		writeError(w, r, http.StatusBadRequest, apierror.BadRequest(fmt.Errorf("definitionKey is required")))
		return
	}
	instance, err := s.engine.StartInstance(r.Context(), tenantOf(r), req.DefinitionKey, req.Version, req.Variables, req.BusinessKey)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, instance)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, instanceOf(r))
}

func (s *Server) signalInstance(w http.ResponseWriter, r *http.Request) {
	var req public.SignalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, apierror.BadRequest(fmt.Errorf("signal name is required")))
		return
	}
	resumed, err := s.engine.Signal(r.Context(), instanceOf(r).Id, req.Name, req.Variables)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, public.SignalResponse{Resumed: resumed})
}

func (s *Server) suspendInstance(w http.ResponseWriter, r *http.Request) {
	var req public.ReasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.transition(w, r, func(ctx context.Context, instanceId string) error {
		return s.engine.Suspend(ctx, instanceId, req.Reason)
	})
}

func (s *Server) resumeInstance(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.Resume)
}

func (s *Server) cancelInstance(w http.ResponseWriter, r *http.Request) {
	var req public.ReasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.transition(w, r, func(ctx context.Context, instanceId string) error {
		return s.engine.Cancel(ctx, instanceId, req.Reason)
	})
}

// transition runs a state change and answers with the resulting instance.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, change func(ctx context.Context, instanceId string) error) {
	instanceId := instanceOf(r).Id
	if err := change(r.Context(), instanceId); err != nil {
		writeEngineError(w, r, err)
		return
	}
	instance, err := s.engine.GetInstance(r.Context(), instanceId)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) activityHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.engine.ActivityHistory(r.Context(), instanceOf(r).Id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, public.NewListResponse(history))
}

func (s *Server) retryActivity(w http.ResponseWriter, r *http.Request) {
	activityId, ok := int64Param(w, r, "activityId")
	if !ok {
		return
	}
	s.transition(w, r, func(ctx context.Context, instanceId string) error {
		return s.engine.RetryActivity(ctx, instanceId, activityId)
	})
}

func (s *Server) getVariables(w http.ResponseWriter, r *http.Request) {
	variables, err := s.engine.GetVariables(r.Context(), instanceOf(r).Id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, variables)
}

func (s *Server) setVariables(w http.ResponseWriter, r *http.Request) {
	var variables map[string]any
	if !decodeJSON(w, r, &variables) {
		return
	}
	instanceId := instanceOf(r).Id
	if err := s.engine.SetVariables(r.Context(), instanceId, variables); err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.getVariables(w, r)
}

func (s *Server) instanceIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := s.engine.FindIncidents(r.Context(), instanceOf(r).Id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, public.NewListResponse(incidents))
}

func (s *Server) resolveIncident(w http.ResponseWriter, r *http.Request) {
	key, ok := int64Param(w, r, "incidentKey")
	if !ok {
		return
	}
	if err := s.engine.ResolveIncident(r.Context(), key); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) correlateMessage(w http.ResponseWriter, r *http.Request) {
	var req public.CorrelateMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, apierror.BadRequest(fmt.Errorf("message name is required")))
		return
	}
	correlated, err := s.engine.CorrelateMessage(r.Context(), tenantOf(r), req.Name, req.CorrelationKey, req.Variables)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, public.CorrelateMessageResponse{Correlated: correlated})
}

func (s *Server) completeJob(w http.ResponseWriter, r *http.Request) {
	activityId, ok := int64Param(w, r, "activityId")
	if !ok {
		return
	}
	var req public.CompleteJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.CompleteJob(r.Context(), activityId, req.Variables); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) failJob(w http.ResponseWriter, r *http.Request) {
	activityId, ok := int64Param(w, r, "activityId")
	if !ok {
		return
	}
	var req public.ReasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.FailJob(r.Context(), activityId, req.Reason); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
