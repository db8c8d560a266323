package handlers

import (
	"net/http"
	"strings"

	"mediatrans/internal/auth"
	"mediatrans/internal/websocket"
)

// WSJobs upgrades to a websocket streaming the caller's job updates.
// Browsers cannot set headers on the upgrade request, so the token may
// arrive as a query parameter instead.
func (h *Handler) WSJobs(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	if token == "" {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}
	claims, err := auth.ParseToken(h.cfg.JWTSecret, token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	websocket.ServeWS(w, r, h.hub, claims.UserID)
}
