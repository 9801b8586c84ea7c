package rest

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pbinitiative/zenworkflow/internal/cluster/store"
	apierror "github.com/pbinitiative/zenworkflow/internal/rest/error"
	"github.com/pbinitiative/zenworkflow/internal/rest/public"
	"github.com/pbinitiative/zenworkflow/pkg/storage"
)

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantId := tenantOf(r)
	definitions, err := s.engine.ListDefinitions(ctx, tenantId)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	instances, err := s.engine.CountInstances(ctx, tenantId)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	tasks, err := s.engine.FindTasks(ctx, storage.TaskFilter{TenantId: tenantId})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	openTasks := 0
	for _, task := range tasks {
		if task.Status.IsOpen() {
			openTasks++
		}
	}
	coordinator := s.node.Coordinator()
	writeJSON(w, http.StatusOK, public.Dashboard{
		TenantId:    tenantId,
		Definitions: len(definitions),
		Instances:   instances,
		OpenTasks:   openTasks,
		NodeId:      coordinator.NodeId(),
		IsLeader:    coordinator.IsLeader(),
	})
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clusterNodes(w http.ResponseWriter, r *http.Request) {
	view, err := s.node.Coordinator().Refresh(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, public.NodesResponse{
		LeaderId:    view.LeaderId,
		Nodes:       view.SortedNodes(),
		RefreshedAt: view.RefreshedAt,
	})
}

func (s *Server) clusterLeader(w http.ResponseWriter, r *http.Request) {
	coordinator := s.node.Coordinator()
	view, err := coordinator.Refresh(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, public.LeaderResponse{
		LeaderId: view.LeaderId,
		NodeId:   coordinator.NodeId(),
		IsLeader: coordinator.IsLeader(),
	})
}

// forwardLeaseCommand applies a lease command forwarded by a follower to the
// raft log of this node. Outcomes of the command, errors included, travel in
// the response body.
func (s *Server) forwardLeaseCommand(w http.ResponseWriter, r *http.Request) {
	raftStore := s.node.RaftStore()
	if raftStore == nil {
		writeError(w, r, http.StatusNotFound, apierror.ApiError{
			Code:    "NotFound",
			Type:    apierror.TypeError,
			Message: "node does not run the raft lease backend",
		})
		return
	}
	var cmd store.Command
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&cmd); err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.BadRequest(fmt.Errorf("invalid lease command: %w", err)))
		return
	}
	op := store.CommandType(chi.URLParam(r, "op"))
	if cmd.Type != op || !op.Valid() {
		writeError(w, r, http.StatusBadRequest, apierror.BadRequest(fmt.Errorf("unknown lease command %q", op)))
		return
	}
	l, err := raftStore.ApplyLocal(r.Context(), cmd)
	writeJSON(w, http.StatusOK, store.NewForwardResponse(l, err))
}
