package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/pastexam/internal/apiclient"
	"github.com/ent0n29/pastexam/internal/config"
	"github.com/ent0n29/pastexam/internal/credentials"
	"github.com/ent0n29/pastexam/internal/discussion"
	"github.com/ent0n29/pastexam/internal/lifecycle"
	"github.com/ent0n29/pastexam/internal/logging"
	"github.com/ent0n29/pastexam/internal/notice"
	"github.com/ent0n29/pastexam/internal/observability"
	"github.com/ent0n29/pastexam/internal/protocol"
	"github.com/ent0n29/pastexam/internal/reliability"
	"github.com/ent0n29/pastexam/internal/unauthorized"
)

// Upstream is the subset of the past-exam REST API proxied as-is.
type Upstream interface {
	Login(ctx context.Context, username, password string) (apiclient.LoginResponse, error)
	Logout(ctx context.Context) error
	DeleteTask(ctx context.Context, taskID string) error
	APIKeyStatus(ctx context.Context) (protocol.APIKeyStatus, error)
	UpdateAPIKey(ctx context.Context, key string) (protocol.APIKeyStatus, error)
}

type Deps struct {
	Lifecycle   *lifecycle.Machine
	Discussions *discussion.Registry
	Upstream    Upstream
	Credentials *credentials.Store
	Notices     *notice.Hub
	Signal      *unauthorized.Signal
	Metrics     *observability.Metrics
	Logger      *zap.Logger
}

type Server struct {
	cfg         config.Config
	lifecycle   *lifecycle.Machine
	discussions *discussion.Registry
	upstream    Upstream
	creds       *credentials.Store
	notices     *notice.Hub
	signal      *unauthorized.Signal
	metrics     *observability.Metrics
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:         cfg,
		lifecycle:   deps.Lifecycle,
		discussions: deps.Discussions,
		upstream:    deps.Upstream,
		creds:       deps.Credentials,
		notices:     deps.Notices,
		signal:      deps.Signal,
		metrics:     deps.Metrics,
		logger:      logging.OrNop(deps.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may watch the session unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/ui/settings", s.handleUISettings)
		r.Get("/perf/latency", s.handlePerfLatency)
		r.Get("/events/ws", s.handleEventsWS)

		r.Get("/auth/session", s.handleSessionStatus)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/logout", s.handleLogout)

		r.Route("/ai-exam", func(r chi.Router) {
			r.Get("/state", s.handleExamState)
			r.Get("/history", s.handleExamHistory)
			r.Post("/mount", s.handleExamMount)
			r.Post("/unmount", s.handleExamUnmount)
			r.Post("/generate", s.handleExamGenerate)
			r.Post("/regenerate", s.handleExamRegenerate)
			r.Post("/dismiss", s.handleExamDismiss)
			r.Delete("/task/{id}", s.handleExamDeleteTask)
			r.Get("/api-key", s.handleAPIKeyStatus)
			r.Put("/api-key", s.handleAPIKeyUpdate)
		})

		r.Route("/discussion/{courseID}/{archiveID}", func(r chi.Router) {
			r.Post("/open", s.handleDiscussionOpen)
			r.Post("/close", s.handleDiscussionClose)
			r.Get("/messages", s.handleDiscussionMessages)
			r.Post("/messages", s.handleDiscussionSend)
			r.Post("/older", s.handleDiscussionOlder)
			r.Delete("/messages/{messageID}", s.handleDiscussionDelete)
			r.Get("/ws", s.handleDiscussionWS)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"phase":  s.lifecycle.State().Phase,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	token, err := s.creds.Token(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"signed_in": token != "",
	})
}

type errorResponse struct {
	Error string           `json:"error"`
	Code  string           `json:"code"`
	State *lifecycle.State `json:"state,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondFailure maps an operation error onto a local status and code.
func respondFailure(w http.ResponseWriter, err error, st *lifecycle.State) {
	status, code := failureStatus(err)
	respondJSON(w, status, errorResponse{Error: err.Error(), Code: code, State: st})
}

func failureStatus(err error) (int, string) {
	switch {
	case errors.Is(err, lifecycle.ErrAPIKeyMissing):
		return http.StatusBadRequest, lifecycle.ReasonAPIKeyMissing
	case apiclient.IsInvalidCredentials(err):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, lifecycle.ErrNotConfirmed):
		return http.StatusConflict, "not_confirmed"
	case errors.Is(err, discussion.ErrRoomClosed):
		return http.StatusConflict, "room_closed"
	}

	switch reliability.Classify(err) {
	case reliability.KindAuth:
		return http.StatusUnauthorized, "unauthorized"
	case reliability.KindConflict:
		return http.StatusConflict, "conflict"
	case reliability.KindValidation:
		return http.StatusBadRequest, "invalid_request"
	case reliability.KindTransient:
		return http.StatusBadGateway, "upstream_unavailable"
	}
	var se *reliability.StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
		return se.Code, "upstream_rejected"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}
