package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/avvvet/buyin-services/internal/flow"
	"github.com/avvvet/buyin-services/internal/session"
	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/service"
	"github.com/go-chi/jwtauth"
	log "github.com/sirupsen/logrus"
)

// Syncer pushes a changed screen to the live sockets of a browser session.
type Syncer interface {
	SyncSession(ctx context.Context, sid string)
}

type Deps struct {
	Rows     gateway.Rows
	Sessions session.Store
	Flow     *flow.Controller
	Players  *service.PlayerService
	Tables   *service.TableService
	Admin    *service.AdminService
	Syncer   Syncer
	// WebSocket serves GET /v1/ws when set.
	WebSocket http.HandlerFunc
	JWTSecret string
	Port      string
}

type Handler struct {
	tokenAuth  *jwtauth.JWTAuth
	sessionTTL time.Duration
	Deps
}

type Response struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error,omitempty"`
}

func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d, sessionTTL: 30 * 24 * time.Hour}
}

func (h *Handler) CreateResponse(w http.ResponseWriter, rsp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rsp.Code)
	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}

func (h *Handler) ok(w http.ResponseWriter, code int, message string, data interface{}) {
	h.CreateResponse(w, Response{Message: message, Code: code, Data: data})
}

// fail maps domain errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		log.Errorf("Error [%s %s] %s", r.Method, r.URL.Path, err)
	}
	h.CreateResponse(w, Response{Message: http.StatusText(code), Code: code, Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, errBadBody):
		return http.StatusBadRequest
	case errors.Is(err, errNoSession):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrNotAdmin), errors.Is(err, service.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrAlreadyResolved),
		errors.Is(err, service.ErrActionInFlight),
		errors.Is(err, service.ErrTableEnded),
		errors.Is(err, flow.ErrNoProfile),
		errors.Is(err, errNotSelected):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

var (
	errBadBody     = errors.New("malformed request body")
	errNoSession   = errors.New("missing session")
	errNotSelected = errors.New("table is not the selected table")
)

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadBody
	}
	return nil
}

// sync is best effort; REST callers get their state in the response anyway.
func (h *Handler) sync(ctx context.Context, s *session.Session) {
	if h.Syncer != nil {
		h.Syncer.SyncSession(ctx, s.ID())
	}
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.ok(w, http.StatusOK, "table service is running at port "+h.Port, nil)
}
