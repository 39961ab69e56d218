package handlers

import (
	"net/http"
	"time"

	"github.com/avvvet/buyin-services/internal/session"
	"github.com/go-chi/jwtauth"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const sessionCookie = "jwt"

func (h *Handler) InitAuth() {
	if h.JWTSecret == "" {
		log.Warn("JWT_SECRET_KEY is empty; session tokens are signed with an empty key")
	}
	h.tokenAuth = jwtauth.New("HS256", []byte(h.JWTSecret), nil)
}

func (h *Handler) issue(sid string) (string, time.Time, error) {
	expires := time.Now().Add(h.sessionTTL)
	_, token, err := h.tokenAuth.Encode(map[string]interface{}{
		"sid": sid,
		"exp": expires.Unix(),
	})
	return token, expires, err
}

// existingSID returns the sid of a still valid token on the request.
func (h *Handler) existingSID(r *http.Request) string {
	token, err := jwtauth.VerifyRequest(h.tokenAuth, r, jwtauth.TokenFromHeader, jwtauth.TokenFromCookie)
	if err != nil || token == nil {
		return ""
	}
	sid, _ := token.PrivateClaims()["sid"].(string)
	return sid
}

// CreateSession opens (or renews) the browser session and sets its cookie.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	sid := h.existingSID(r)
	if sid == "" {
		sid = uuid.New().String()
	}
	token, expires, err := h.issue(sid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	h.ok(w, http.StatusOK, "session ready", map[string]string{"token": token})
}

func (h *Handler) session(r *http.Request) (*session.Session, error) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return nil, errNoSession
	}
	sid, _ := claims["sid"].(string)
	if sid == "" {
		return nil, errNoSession
	}
	return session.New(h.Sessions, sid), nil
}
