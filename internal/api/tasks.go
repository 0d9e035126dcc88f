package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/precious195/airbrain-sub000/internal/auth"
	"github.com/precious195/airbrain-sub000/internal/session"
	"github.com/precious195/airbrain-sub000/internal/task"
	"github.com/precious195/airbrain-sub000/internal/workflow"
)

// submitTaskRequest 是提交任务的请求体，租户取自认证主体。
type submitTaskRequest struct {
	ID          string             `json:"id,omitempty"`
	Goal        string             `json:"goal,omitempty"`
	TargetURL   string             `json:"target_url"`
	SystemType  session.SystemType `json:"system_type,omitempty"`
	Plan        *workflow.Plan     `json:"plan,omitempty"`
	Variables   map[string]any     `json:"variables,omitempty"`
	Credentials *session.AuthState `json:"credentials,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		unavailable(w, "任务服务")
		return
	}
	var body submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "请求体解析失败: "+err.Error())
		return
	}
	created, err := s.deps.Tasks.Submit(r.Context(), task.Request{
		ID:          body.ID,
		Tenant:      auth.TenantFromContext(r.Context()),
		Goal:        body.Goal,
		TargetURL:   body.TargetURL,
		SystemType:  body.SystemType,
		Plan:        body.Plan,
		Variables:   body.Variables,
		Credentials: body.Credentials,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		unavailable(w, "任务服务")
		return
	}
	opts, err := taskListOptions(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks, err := s.deps.Tasks.List(r.Context(), opts...)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		unavailable(w, "任务服务")
		return
	}
	opts, err := taskListOptions(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := s.deps.Tasks.Stats(r.Context(), opts...)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		unavailable(w, "任务服务")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "taskID"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "缺少任务 ID")
		return
	}
	found, err := s.deps.Tasks.Get(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	if found.Tenant != auth.TenantFromContext(r.Context()) {
		respondErr(w, task.ErrTaskNotFound)
		return
	}
	respondJSON(w, http.StatusOK, found)
}

// taskListOptions 解析 status、error_code、session、limit、offset、q、has_result、order 查询参数，并限定为当前租户。
func taskListOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	opts := []task.ListOption{task.WithTenant(auth.TenantFromContext(r.Context()))}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, errInvalidParam("status", part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := q.Get("error_code"); raw != "" {
		opts = append(opts, task.WithErrorCodes(strings.Split(raw, ",")...))
	}
	if raw := strings.TrimSpace(q.Get("session")); raw != "" {
		opts = append(opts, task.WithSession(raw))
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, errInvalidParam("limit", raw)
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, errInvalidParam("offset", raw)
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := q.Get("has_result"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errInvalidParam("has_result", raw)
		}
		opts = append(opts, task.WithResultPresence(has))
	}
	if raw := q.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "asc":
			opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
		case "desc":
			opts = append(opts, task.WithSortOrder(task.SortByUpdatedDesc))
		default:
			return nil, errInvalidParam("order", raw)
		}
	}
	if raw := strings.TrimSpace(q.Get("q")); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	return opts, nil
}

type paramError struct {
	name, value string
}

func (e paramError) Error() string {
	return "查询参数 " + e.name + " 无效: " + e.value
}

func errInvalidParam(name, value string) error {
	return paramError{name: name, value: value}
}
