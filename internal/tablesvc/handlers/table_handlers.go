package handlers

import (
	"errors"
	"net/http"

	"github.com/avvvet/buyin-services/internal/comm"
	"github.com/avvvet/buyin-services/internal/flow"
	"github.com/avvvet/buyin-services/internal/session"
	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	"github.com/avvvet/buyin-services/internal/tablesvc/reconciler"
	"github.com/avvvet/buyin-services/internal/tablesvc/service"
	"github.com/go-chi/chi"
	"github.com/shopspring/decimal"
)

// actor is the player behind the session.
func (h *Handler) actor(r *http.Request) (string, error) {
	s, err := h.session(r)
	if err != nil {
		return "", err
	}
	p, err := s.Profile(r.Context())
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", flow.ErrNoProfile
	}
	return p.PlayerID, nil
}

// TableView answers with a one-off reconciled snapshot of the table.
func (h *Handler) TableView(w http.ResponseWriter, r *http.Request) {
	tableID := chi.URLParam(r, "tableID")
	playerID, err := h.actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.Tables.Membership(r.Context(), tableID, playerID)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		h.fail(w, r, service.ErrNotMember)
		return
	case err != nil:
		h.fail(w, r, err)
		return
	case m.Status != models.MemberActive:
		h.fail(w, r, service.ErrNotMember)
		return
	}
	st := reconciler.Load(r.Context(), h.Rows, tableID, playerID, reconciler.DefaultOptions())
	h.ok(w, http.StatusOK, "ok", st)
}

func (h *Handler) EndTable(w http.ResponseWriter, r *http.Request) {
	tableID := chi.URLParam(r, "tableID")
	playerID, err := h.actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Tables.EndTable(r.Context(), tableID, playerID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.withSession(w, r, http.StatusOK, "table ended", func(s *session.Session) (flow.State, error) {
		st, _, err := h.Flow.OnNotification(r.Context(), s, comm.Notification{Type: comm.NoticeTableEnded, TableID: tableID})
		return st, err
	})
}

func (h *Handler) RequestBuyIn(w http.ResponseWriter, r *http.Request) {
	tableID := chi.URLParam(r, "tableID")
	var body struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decode(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	playerID, err := h.actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	req, err := h.Tables.RequestBuyIn(r.Context(), tableID, playerID, body.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusCreated, "buy-in requested", req)
}

// resolve runs one admin decision on requestID of the table in the URL.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, message string, fn func(tableID, actorID, requestID string) (interface{}, error)) {
	playerID, err := h.actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := fn(chi.URLParam(r, "tableID"), playerID, chi.URLParam(r, "requestID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusOK, message, out)
}

func (h *Handler) ApproveBuyIn(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, "buy-in approved", func(tableID, actorID, requestID string) (interface{}, error) {
		return h.Admin.ApproveBuyIn(r.Context(), tableID, actorID, requestID)
	})
}

func (h *Handler) RejectBuyIn(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, "buy-in rejected", func(tableID, actorID, requestID string) (interface{}, error) {
		return h.Admin.RejectBuyIn(r.Context(), tableID, actorID, requestID)
	})
}

func (h *Handler) ApproveJoin(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, "join approved", func(tableID, actorID, requestID string) (interface{}, error) {
		return h.Admin.ApproveJoin(r.Context(), tableID, actorID, requestID)
	})
}

func (h *Handler) RejectJoin(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, "join rejected", func(tableID, actorID, requestID string) (interface{}, error) {
		return h.Admin.RejectJoin(r.Context(), tableID, actorID, requestID)
	})
}
