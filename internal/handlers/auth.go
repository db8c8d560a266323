package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mediatrans/internal/auth"
	"mediatrans/internal/credits"
	"mediatrans/internal/middleware"
	"mediatrans/internal/store"
)

type googleAuthRequest struct {
	Token string `json:"token"`
}

type userResponse struct {
	ID             string  `json:"id"`
	Email          string  `json:"email"`
	Name           string  `json:"name"`
	AvatarURL      *string `json:"avatar_url,omitempty"`
	TotalPurchased string  `json:"total_credits_purchased"`
	TotalUsed      string  `json:"total_credits_used"`
	HasAPIKey      bool    `json:"has_api_key"`
}

func toUserResponse(user store.User) userResponse {
	return userResponse{
		ID:             user.ID,
		Email:          user.Email,
		Name:           user.Name,
		AvatarURL:      user.AvatarURL,
		TotalPurchased: credits.Format(user.TotalCreditsPurchased),
		TotalUsed:      credits.Format(user.TotalCreditsUsed),
		HasAPIKey:      user.APIKeyDigest != nil,
	}
}

// GoogleAuth exchanges a verified Google ID token for a session token,
// creating the account with its signup bonus on first login.
func (h *Handler) GoogleAuth(w http.ResponseWriter, r *http.Request) {
	var req googleAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	profile, err := h.verifier.Verify(r.Context(), req.Token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid google token")
		return
	}

	user, err := h.users.GetByGoogleID(r.Context(), profile.Subject)
	switch {
	case err == nil:
		err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
			return h.users.TouchLastLogin(r.Context(), tx, user.ID)
		})
		if err != nil {
			log.Printf("auth: touching last login for %s: %v", user.ID, err)
		}
	case errors.Is(err, sql.ErrNoRows):
		userID := uuid.NewString()
		err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
			return h.users.Create(r.Context(), tx, userID, profile.Email, profile.Subject, profile.Name, profile.AvatarURL)
		})
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to create account")
			return
		}
		bonus, perr := credits.Parse(h.cfg.SignupBonusCredits)
		if perr == nil && bonus.IsPositive() {
			if _, cerr := h.ledger.Credit(r.Context(), userID, store.KindBonus, bonus, "signup bonus"); cerr != nil {
				log.Printf("auth: granting signup bonus to %s: %v", userID, cerr)
			}
		}
		user, err = h.users.GetByID(r.Context(), h.reader, userID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to load account")
			return
		}
	default:
		respondError(w, http.StatusInternalServerError, "failed to look up account")
		return
	}

	token, err := auth.GenerateToken(h.cfg.JWTSecret, user.ID, h.cfg.TokenTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  toUserResponse(user),
	})
}

// IssueAPIKey mints a fresh API key for the caller. The plaintext key is
// returned exactly once; only its digest is stored.
func (h *Handler) IssueAPIKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	key, digest, err := auth.GenerateAPIKey()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate key")
		return
	}
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		return h.users.SetAPIKey(r.Context(), tx, userID, digest)
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store key")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"api_key":    key,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, err := h.users.GetByID(r.Context(), h.reader, userID)
	if err != nil {
		respondError(w, http.StatusNotFound, "account not found")
		return
	}
	balance, err := h.ledger.AvailableBalance(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read balance")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user":            toUserResponse(user),
		"credits_balance": credits.Format(balance),
	})
}
