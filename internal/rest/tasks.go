package rest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	apierror "github.com/pbinitiative/zenworkflow/internal/rest/error"
	"github.com/pbinitiative/zenworkflow/internal/rest/public"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenworkflow/pkg/storage"
)

func (s *Server) taskRoutes(r chi.Router) {
	r.Get("/", s.listTasks)
	r.Route("/{taskId}", func(r chi.Router) {
		r.Get("/", s.getTask)
		r.Get("/history", s.taskHistory)
		r.Post("/claim", s.claimTask)
		r.Post("/unclaim", s.unclaimTask)
		r.Post("/delegate", s.delegateTask)
		r.Post("/assign", s.assignTask)
		r.Post("/complete", s.completeTask)
		r.Post("/comments", s.commentTask)
		r.Post("/attachments", s.attachToTask)
	})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.engine.FindTasks(r.Context(), storage.TaskFilter{
		TenantId:      tenantOf(r),
		InstanceId:    q.Get("instanceId"),
		Assignee:      q.Get("assignee"),
		CandidateUser: q.Get("candidateUser"),
		Status:        runtime.HumanTaskStatus(q.Get("status")),
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, public.NewListResponse(tasks))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskId, ok := int64Param(w, r, "taskId")
	if !ok {
		return
	}
	task, err := s.engine.GetTask(r.Context(), taskId)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) taskHistory(w http.ResponseWriter, r *http.Request) {
	taskId, ok := int64Param(w, r, "taskId")
	if !ok {
		return
	}
	history, err := s.engine.TaskHistory(r.Context(), taskId)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, public.NewListResponse(history))
}

type taskAction func(ctx context.Context, taskId int64, userId string) (runtime.HumanTask, error)

// performTask runs action on behalf of the calling user and answers with the
// updated task.
func (s *Server) performTask(w http.ResponseWriter, r *http.Request, action taskAction) {
	taskId, ok := int64Param(w, r, "taskId")
	if !ok {
		return
	}
	userId, err := userOf(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	task, err := action(r.Context(), taskId, userId)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) claimTask(w http.ResponseWriter, r *http.Request) {
	s.performTask(w, r, s.engine.Claim)
}

func (s *Server) unclaimTask(w http.ResponseWriter, r *http.Request) {
	s.performTask(w, r, s.engine.Unclaim)
}

func (s *Server) delegateTask(w http.ResponseWriter, r *http.Request) {
	var req public.DelegateTaskRequest
	if !decodeJSON(w, r, &req) || !requireUserId(w, r, req.UserId) {
		return
	}
	s.performTask(w, r, func(ctx context.Context, taskId int64, userId string) (runtime.HumanTask, error) {
		return s.engine.Delegate(ctx, taskId, userId, req.UserId)
	})
}

func (s *Server) assignTask(w http.ResponseWriter, r *http.Request) {
	var req public.AssignTaskRequest
	if !decodeJSON(w, r, &req) || !requireUserId(w, r, req.UserId) {
		return
	}
	s.performTask(w, r, func(ctx context.Context, taskId int64, userId string) (runtime.HumanTask, error) {
		return s.engine.Assign(ctx, taskId, req.UserId, userId)
	})
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var req public.CompleteTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.performTask(w, r, func(ctx context.Context, taskId int64, userId string) (runtime.HumanTask, error) {
		return s.engine.CompleteTask(ctx, taskId, req.Variables, req.Action, userId)
	})
}

func (s *Server) commentTask(w http.ResponseWriter, r *http.Request) {
	var req public.CommentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.performTask(w, r, func(ctx context.Context, taskId int64, userId string) (runtime.HumanTask, error) {
		return s.engine.AddComment(ctx, taskId, userId, req.Text)
	})
}

func (s *Server) attachToTask(w http.ResponseWriter, r *http.Request) {
	var req public.AttachmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.performTask(w, r, func(ctx context.Context, taskId int64, userId string) (runtime.HumanTask, error) {
		return s.engine.AddAttachment(ctx, taskId, userId, bpmn.NewAttachment{
			Name:        req.Name,
			Uri:         req.Uri,
			ContentType: req.ContentType,
		})
	})
}

func requireUserId(w http.ResponseWriter, r *http.Request, userId string) bool {
	if userId == "" {
		writeError(w, r, http.StatusBadRequest, apierror.BadRequest(fmt.Errorf("userId is required")))
		return false
	}
	return true
}
