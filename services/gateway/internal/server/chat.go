package server

import (
	"errors"
	"net/http"

	"quickfix/internal/util"
	"quickfix/services/gateway/internal/chat"
	"quickfix/services/gateway/internal/metrics"
)

const (
	clientCookieName   = "qf_client"
	clientCookieMaxAge = 365 * 24 * 60 * 60
)

type chatRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleChatLoad(w http.ResponseWriter, r *http.Request) {
	key := s.chatKey(w, r)
	msgs, err := s.chat.Load(r.Context(), key)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("chat load failed", "err", err)
		writeError(w, http.StatusInternalServerError, "chat history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleChatSend never fails because of the diagnose service: an unusable
// reply comes back as the fallback message.
func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.limiters.Chat, "gateway.chat", "too many chat messages") {
		return
	}
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key := s.chatKey(w, r)
	ex, err := s.chat.Send(r.Context(), key, req.Text)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.metrics.ChatReplied(metrics.OutcomeError)
		util.LoggerFromContext(r.Context()).Error("chat send failed", "err", err)
		writeError(w, http.StatusInternalServerError, "chat history unavailable")
		return
	}
	if ex.Reply.Fallback {
		s.metrics.ChatReplied(metrics.OutcomeFallback)
	} else {
		s.metrics.ChatReplied(metrics.OutcomeOK)
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleChatClear(w http.ResponseWriter, r *http.Request) {
	key := s.chatKey(w, r)
	msgs, err := s.chat.Clear(r.Context(), key)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("chat clear failed", "err", err)
		writeError(w, http.StatusInternalServerError, "chat history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// chatKey scopes the transcript to the signed-in principal, or to a
// long-lived client cookie for anonymous visitors. The cookie is issued on
// first use.
func (s *Server) chatKey(w http.ResponseWriter, r *http.Request) string {
	if principal, ok := s.currentPrincipal(r); ok {
		return "user:" + principal.ID
	}
	if c, err := r.Cookie(clientCookieName); err == nil && c.Value != "" && len(c.Value) <= 64 {
		return "anon:" + c.Value
	}
	id := util.NewID()
	http.SetCookie(w, &http.Cookie{
		Name:     clientCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   clientCookieMaxAge,
		Secure:   s.cookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return "anon:" + id
}
