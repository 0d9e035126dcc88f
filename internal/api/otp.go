package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/precious195/airbrain-sub000/internal/auth"
	"github.com/precious195/airbrain-sub000/internal/otp"
)

type submitOTPRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleListOTP(w http.ResponseWriter, r *http.Request) {
	if s.deps.Coordinator == nil {
		unavailable(w, "验证码协调器")
		return
	}
	out := make([]otp.Request, 0)
	for _, req := range s.deps.Coordinator.Pending() {
		if s.visible(r, req) {
			out = append(out, req)
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOTP(w http.ResponseWriter, r *http.Request) {
	req, ok := s.lookupOTP(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleSubmitOTP(w http.ResponseWriter, r *http.Request) {
	req, ok := s.lookupOTP(w, r)
	if !ok {
		return
	}
	var body submitOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "请求体解析失败: "+err.Error())
		return
	}
	code := strings.TrimSpace(body.Code)
	if code == "" || req.Purpose != otp.PurposeOTP {
		respondError(w, http.StatusBadRequest, "需要验证码")
		return
	}
	s.transition(w, req.ID, s.deps.Coordinator.Submit(req.ID, code))
}

func (s *Server) handleCancelOTP(w http.ResponseWriter, r *http.Request) {
	req, ok := s.lookupOTP(w, r)
	if !ok {
		return
	}
	s.transition(w, req.ID, s.deps.Coordinator.Cancel(req.ID))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	req, ok := s.lookupOTP(w, r)
	if !ok {
		return
	}
	s.transition(w, req.ID, s.deps.Coordinator.Approve(req.ID))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	req, ok := s.lookupOTP(w, r)
	if !ok {
		return
	}
	s.transition(w, req.ID, s.deps.Coordinator.Reject(req.ID))
}

// transition 输出状态变更后的请求；请求已不处于待处理状态时返回 409。
func (s *Server) transition(w http.ResponseWriter, id string, accepted bool) {
	if !accepted {
		respondError(w, http.StatusConflict, "请求已处理或已过期")
		return
	}
	req, _ := s.deps.Coordinator.Get(id)
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) lookupOTP(w http.ResponseWriter, r *http.Request) (otp.Request, bool) {
	if s.deps.Coordinator == nil {
		unavailable(w, "验证码协调器")
		return otp.Request{}, false
	}
	req, ok := s.deps.Coordinator.Get(chi.URLParam(r, "requestID"))
	if !ok || !s.visible(r, req) {
		respondErr(w, otp.ErrRequestNotFound)
		return otp.Request{}, false
	}
	return req, true
}

// visible 判断请求是否属于当前租户的会话。未关联会话的请求对所有租户可见。
func (s *Server) visible(r *http.Request, req otp.Request) bool {
	if req.SessionID == "" || s.deps.Sessions == nil {
		return true
	}
	sess, ok := s.deps.Sessions.Peek(req.SessionID)
	if !ok {
		return false
	}
	return sess.Tenant == auth.TenantFromContext(r.Context())
}
