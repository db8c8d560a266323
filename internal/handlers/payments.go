package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"mediatrans/internal/credits"
	"mediatrans/internal/middleware"
	"mediatrans/internal/services"
	"mediatrans/internal/store"
)

func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"packages": h.payments.Packages()})
}

type initializePurchaseRequest struct {
	Package     string `json:"package"`
	CallbackURL string `json:"callback_url"`
}

func (h *Handler) InitializePurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req initializePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	user, err := h.users.GetByID(r.Context(), h.reader, userID)
	if err != nil {
		respondError(w, http.StatusNotFound, "account not found")
		return
	}
	init, err := h.payments.InitializePurchase(r.Context(), user, req.Package, req.CallbackURL)
	if errors.Is(err, services.ErrUnknownPackage) {
		respondError(w, http.StatusBadRequest, "invalid package")
		return
	}
	if err != nil {
		respondError(w, http.StatusBadGateway, "payment initialization failed")
		return
	}
	respondJSON(w, http.StatusOK, init)
}

// PaymentWebhook receives settlement events from the gateway. The raw
// body is verified against the shared-secret HMAC before any of it is
// parsed.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get("verif-hash")
	if signature == "" {
		respondError(w, http.StatusBadRequest, "missing webhook signature")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := h.payments.VerifySignature(body, signature); err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature")
		return
	}
	if err := h.payments.HandleEvent(r.Context(), body); err != nil {
		if errors.Is(err, services.ErrMalformedEvent) {
			respondError(w, http.StatusBadRequest, "malformed event")
			return
		}
		respondError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
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
	respondJSON(w, http.StatusOK, map[string]string{
		"credits_balance": credits.Format(balance),
		"total_purchased": credits.Format(user.TotalCreditsPurchased),
		"total_used":      credits.Format(user.TotalCreditsUsed),
	})
}

type entryResponse struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	Status      string  `json:"status"`
	Amount      string  `json:"amount"`
	Description string  `json:"description"`
	JobID       *string `json:"job_id,omitempty"`
	ExpiresAt   *string `json:"expires_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func toEntryResponse(entry store.LedgerEntry) entryResponse {
	resp := entryResponse{
		ID:          entry.ID,
		Kind:        entry.Kind,
		Status:      entry.Status,
		Amount:      credits.Format(entry.Amount),
		Description: entry.Description,
		JobID:       entry.JobID,
		CreatedAt:   entry.CreatedAt.UTC().Format(time.RFC3339),
	}
	if entry.ExpiresAt != nil {
		expires := entry.ExpiresAt.UTC().Format(time.RFC3339)
		resp.ExpiresAt = &expires
	}
	return resp
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	entries, err := h.ledger.ListEntries(r.Context(), userID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, toEntryResponse(entry))
	}
	respondJSON(w, http.StatusOK, map[string]any{"transactions": out})
}
