package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/precious195/airbrain-sub000/internal/auth"
	"github.com/precious195/airbrain-sub000/internal/session"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		unavailable(w, "会话管理器")
		return
	}
	tenant := auth.TenantFromContext(r.Context())
	out := make([]session.Snapshot, 0)
	for _, snap := range s.deps.Sessions.List() {
		if snap.Tenant == tenant {
			out = append(out, snap.Redacted())
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Sessions == nil {
		unavailable(w, "会话管理器")
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Sessions.Stats())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.Snapshot(time.Now()).Redacted())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	s.deps.Sessions.Close(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	if s.deps.Sessions == nil {
		unavailable(w, "会话管理器")
		return nil, false
	}
	sess, ok := s.deps.Sessions.Peek(chi.URLParam(r, "sessionID"))
	if !ok || sess.Tenant != auth.TenantFromContext(r.Context()) {
		respondErr(w, session.ErrSessionNotFound)
		return nil, false
	}
	return sess, true
}
