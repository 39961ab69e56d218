package handlers

import (
	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
)

func (h *Handler) SetRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {

		// public routes here
		r.Get("/health", h.HealthHandler)
		r.Post("/session", h.CreateSession)

		// Secure routes
		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verifier(h.tokenAuth))
			r.Use(jwtauth.Authenticator)

			if h.WebSocket != nil {
				r.Get("/ws", h.WebSocket)
			}
			r.Get("/flow", h.GetFlow)
			r.Post("/onboarding", h.Onboarding)
			r.Post("/switch-player", h.SwitchPlayer)

			r.Post("/tables", h.CreateTable)
			r.Post("/tables/join", h.JoinTable)
			r.Route("/tables/{tableID}", func(r chi.Router) {
				r.Get("/", h.OpenTable)
				r.Get("/view", h.TableView)
				r.Post("/exit", h.ExitTable)
				r.Post("/end", h.EndTable)
				r.Post("/buyins", h.RequestBuyIn)
				r.Post("/buyins/{requestID}/approve", h.ApproveBuyIn)
				r.Post("/buyins/{requestID}/reject", h.RejectBuyIn)
				r.Post("/joins/{requestID}/approve", h.ApproveJoin)
				r.Post("/joins/{requestID}/reject", h.RejectJoin)
			})
		})
	})
}
