// Package api is the HTTP surface: goal submission and control, session
// status, pairing and the device websocket endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"go-droidagent/internal/pairing"
	"go-droidagent/internal/session"
	"go-droidagent/pkg/logger"
	"go-droidagent/pkg/models"
)

// UserHeader carries the caller identity set by the fronting auth proxy.
const UserHeader = "X-User-Id"

type Sessions interface {
	Submit(ctx context.Context, g session.Goal) (*models.AgentSession, error)
	Stop(ctx context.Context, deviceID, userID string) (string, error)
	Session(ctx context.Context, id, userID string) (*models.AgentSession, error)
	Devices(ctx context.Context, userID string) []session.Device
}

type Pairing interface {
	Create(userID string) (pairing.Code, error)
	Claim(source, code string) (pairing.Claim, error)
	Status(userID string) pairing.Status
}

type goalRequest struct {
	Goal     string                 `json:"goal"`
	MaxSteps int                    `json:"maxSteps,omitempty"`
	Reasoner *models.ReasonerConfig `json:"reasoner,omitempty"`
}

type goalAccepted struct {
	SessionID string               `json:"sessionId"`
	Status    models.SessionStatus `json:"status"`
}

type stopResponse struct {
	SessionID string `json:"sessionId"`
}

type claimRequest struct {
	Code string `json:"code"`
}

type errorResponse struct {
	Error     string `json:"error"`
	SessionID string `json:"sessionId,omitempty"`
	Goal      string `json:"goal,omitempty"`
}

type Server struct {
	server *http.Server
	log    zerolog.Logger
}

// New builds the router. ws serves device websocket upgrades.
func New(addr string, sessions Sessions, pair Pairing, ws http.Handler, log zerolog.Logger) *Server {
	h := &handlers{sessions: sessions, pairing: pair}

	r := chi.NewRouter()
	r.Use(logMiddleware(log))

	r.Handle("/ws", ws)
	r.Post("/pairing/claim", h.claim)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/devices/{deviceID}/goals", h.submit)
		r.Post("/devices/{deviceID}/stop", h.stop)
		r.Get("/devices", h.devices)
		r.Get("/sessions/{id}", h.session)
		r.Post("/pairing/codes", h.createCode)
		r.Get("/pairing/status", h.pairingStatus)
	})

	return &Server{
		log: log,
		server: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server started")
	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

type ctxKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" {
			fail(w, r, http.StatusUnauthorized, errorResponse{Error: "missing " + UserHeader})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

func userFrom(r *http.Request) string {
	user, _ := r.Context().Value(ctxKey{}).(string)
	return user
}

type handlers struct {
	sessions Sessions
	pairing  Pairing
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	req := goalRequest{}
	if err := unmarshalRequestBody(r, &req); err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("cannot parse body")
		fail(w, r, http.StatusBadRequest, errorResponse{Error: "unable to parse body"})
		return
	}

	sess, err := h.sessions.Submit(r.Context(), session.Goal{
		DeviceID: deviceID,
		UserID:   userFrom(r),
		Goal:     req.Goal,
		MaxSteps: req.MaxSteps,
		Reasoner: req.Reasoner,
	})
	if err != nil {
		sessionError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str(logger.DeviceField, deviceID).Str(logger.SessionField, sess.ID).Msg("goal accepted")
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, goalAccepted{SessionID: sess.ID, Status: sess.Status})
}

func (h *handlers) stop(w http.ResponseWriter, r *http.Request) {
	id, err := h.sessions.Stop(r.Context(), chi.URLParam(r, "deviceID"), userFrom(r))
	if err != nil {
		sessionError(w, r, err)
		return
	}
	render.JSON(w, r, stopResponse{SessionID: id})
}

func (h *handlers) session(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Session(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	if err != nil {
		sessionError(w, r, err)
		return
	}
	render.JSON(w, r, sess)
}

func (h *handlers) devices(w http.ResponseWriter, r *http.Request) {
	devices := h.sessions.Devices(r.Context(), userFrom(r))
	if devices == nil {
		devices = []session.Device{}
	}
	render.JSON(w, r, devices)
}

func (h *handlers) createCode(w http.ResponseWriter, r *http.Request) {
	code, err := h.pairing.Create(userFrom(r))
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("cannot create pairing code")
		fail(w, r, http.StatusInternalServerError, errorResponse{Error: "unable to create code"})
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, code)
}

func (h *handlers) claim(w http.ResponseWriter, r *http.Request) {
	req := claimRequest{}
	if err := unmarshalRequestBody(r, &req); err != nil || req.Code == "" {
		fail(w, r, http.StatusBadRequest, errorResponse{Error: "unable to parse body"})
		return
	}
	claim, err := h.pairing.Claim(source(r), req.Code)
	switch {
	case errors.Is(err, pairing.ErrRateLimited):
		fail(w, r, http.StatusTooManyRequests, errorResponse{Error: err.Error()})
	case errors.Is(err, pairing.ErrInvalidCode):
		fail(w, r, http.StatusNotFound, errorResponse{Error: err.Error()})
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Msg("pairing claim failed")
		fail(w, r, http.StatusInternalServerError, errorResponse{Error: "unable to claim code"})
	default:
		render.JSON(w, r, claim)
	}
}

func (h *handlers) pairingStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.pairing.Status(userFrom(r)))
}

func sessionError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *session.ConflictError
	switch {
	case errors.As(err, &conflict):
		fail(w, r, http.StatusConflict, errorResponse{Error: "device busy", SessionID: conflict.SessionID, Goal: conflict.Goal})
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrNotRunning):
		fail(w, r, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, session.ErrForbidden):
		fail(w, r, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, session.ErrEmptyGoal), errors.Is(err, session.ErrReasoner):
		fail(w, r, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("session request failed")
		fail(w, r, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, body errorResponse) {
	render.Status(r, status)
	render.JSON(w, r, body)
}

// source is the client address pairing attempts are limited by.
func source(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func logMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	c := alice.New()
	c = c.Append(hlog.NewHandler(log))
	c = c.Append(hlog.RemoteAddrHandler("ip"))
	c = c.Append(hlog.UserAgentHandler("agent"))
	c = c.Append(hlog.RefererHandler("referer"))
	c = c.Append(hlog.RequestIDHandler("req_id", "Request-Id"))
	c = c.Append(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("verb", r.Method).
			Stringer("url", r.URL).
			Int("size", size).
			Int("status", status).
			Int64("duration", duration.Milliseconds()).
			Msg("REQ")
	}))

	return c.Then
}

func unmarshalRequestBody(req *http.Request, output any) error {
	if req.Body == nil {
		return errors.New("invalid body in request")
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		return err
	}
	if err = req.Body.Close(); err != nil {
		return err
	}
	return json.Unmarshal(body, output)
}
