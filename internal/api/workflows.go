package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/precious195/airbrain-sub000/internal/auth"
	"github.com/precious195/airbrain-sub000/internal/workflow"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		unavailable(w, "工作流引擎")
		return
	}
	q := r.URL.Query()
	opts := workflow.ListOptions{
		Status:    workflow.Status(q.Get("status")),
		SessionID: q.Get("session_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			respondError(w, http.StatusBadRequest, errInvalidParam("limit", raw).Error())
			return
		}
		opts.Limit = limit
	}
	tenant := auth.TenantFromContext(r.Context())
	opts.Tenant = tenant
	snaps, err := s.deps.Engine.List(r.Context(), opts)
	if err != nil {
		respondErr(w, err)
		return
	}
	// 空租户不会下推到存储层，这里再过滤一次。
	out := make([]workflow.Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		if snap.Tenant == tenant {
			out = append(out, snap)
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleWorkflowStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Engine == nil {
		unavailable(w, "工作流引擎")
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Engine.Stats())
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}
	if !s.deps.Engine.Cancel(snap.ID) {
		respondError(w, http.StatusConflict, "工作流未在执行")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": snap.ID, "status": "cancelling"})
}

// lookupWorkflow 只返回当前租户的工作流，其他租户的工作流按不存在处理。
func (s *Server) lookupWorkflow(w http.ResponseWriter, r *http.Request) (workflow.Snapshot, bool) {
	if s.deps.Engine == nil {
		unavailable(w, "工作流引擎")
		return workflow.Snapshot{}, false
	}
	id := chi.URLParam(r, "workflowID")
	snap, ok := s.deps.Engine.Workflow(r.Context(), id)
	if !ok || snap.Tenant != auth.TenantFromContext(r.Context()) {
		respondErr(w, workflow.ErrWorkflowNotFound)
		return workflow.Snapshot{}, false
	}
	return snap, true
}
