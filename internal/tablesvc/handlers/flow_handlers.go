package handlers

import (
	"net/http"

	"github.com/avvvet/buyin-services/internal/flow"
	"github.com/avvvet/buyin-services/internal/session"
	"github.com/go-chi/chi"
)

// withSession resolves the browser session and the flow transition, then answers with
// the resulting screen.
func (h *Handler) withSession(w http.ResponseWriter, r *http.Request, code int, message string, fn func(s *session.Session) (flow.State, error)) {
	s, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := fn(s)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.sync(r.Context(), s)
	h.ok(w, code, message, st)
}

func (h *Handler) GetFlow(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, http.StatusOK, "ok", func(s *session.Session) (flow.State, error) {
		return h.Flow.Current(r.Context(), s)
	})
}

func (h *Handler) Onboarding(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name   string `json:"name"`
		Avatar string `json:"avatar"`
	}
	if err := decode(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	h.withSession(w, r, http.StatusCreated, "player created", func(s *session.Session) (flow.State, error) {
		return h.Flow.CompleteOnboarding(r.Context(), s, body.Name, body.Avatar)
	})
}

func (h *Handler) SwitchPlayer(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, http.StatusOK, "player cleared", func(s *session.Session) (flow.State, error) {
		return h.Flow.SwitchPlayer(r.Context(), s)
	})
}

func (h *Handler) CreateTable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decode(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	h.withSession(w, r, http.StatusCreated, "table created", func(s *session.Session) (flow.State, error) {
		return h.Flow.CreateTable(r.Context(), s, body.Name)
	})
}

func (h *Handler) JoinTable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := decode(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.session(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.Flow.JoinTable(r.Context(), s, body.Code)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.sync(r.Context(), s)
	if st.Screen == flow.ScreenTableView {
		h.ok(w, http.StatusOK, "joined", st)
		return
	}
	h.ok(w, http.StatusAccepted, "waiting for approval", st)
}

// OpenTable is navigation to a shared table link; the response carries the canonical path.
func (h *Handler) OpenTable(w http.ResponseWriter, r *http.Request) {
	tableID := chi.URLParam(r, "tableID")
	h.withSession(w, r, http.StatusOK, "ok", func(s *session.Session) (flow.State, error) {
		return h.Flow.OpenTable(r.Context(), s, tableID)
	})
}

func (h *Handler) ExitTable(w http.ResponseWriter, r *http.Request) {
	tableID := chi.URLParam(r, "tableID")
	h.withSession(w, r, http.StatusOK, "left table", func(s *session.Session) (flow.State, error) {
		t, err := s.Table(r.Context())
		if err != nil {
			return flow.State{}, err
		}
		if t == nil || t.ID != tableID {
			return flow.State{}, errNotSelected
		}
		return h.Flow.ExitTable(r.Context(), s)
	})
}
