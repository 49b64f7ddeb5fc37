package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"quickfix/internal/servicetoken"
	"quickfix/internal/util"
	"quickfix/pkg/domain"
	"quickfix/services/diagnose/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                *app.App
	ServiceVerifier    *servicetoken.Verifier
	CORSAllowedOrigins []string
}

// Server exposes the diagnose endpoint.
type Server struct {
	app      *app.App
	verifier *servicetoken.Verifier
	origins  []string
	validate *validator.Validate
	mux      *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:      cfg.App,
		verifier: cfg.ServiceVerifier,
		origins:  cfg.CORSAllowedOrigins,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.origins, h)
	h = util.WithSecurityHeaders(nil, h)
	h = util.WithRequestLog("diagnose", h)
	h = util.WithRecovery(h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("POST /diagnose", servicetoken.Require(s.verifier, http.HandlerFunc(s.handleDiagnose)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type diagnoseRequest struct {
	Messages []domain.Message `json:"messages" validate:"required,min=1"`
}

type diagnoseResponse struct {
	Content string `json:"content"`
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	var req diagnoseRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, app.ErrEmptyConversation.Error())
		return
	}
	content, err := s.app.Diagnose(r.Context(), req.Messages)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrEmptyConversation), errors.Is(err, app.ErrNoUserQuery):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			util.LoggerFromContext(r.Context()).Error("diagnose failed", "err", err)
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, diagnoseResponse{Content: content})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
