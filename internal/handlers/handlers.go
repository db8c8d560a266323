package handlers

import (
	"encoding/json"
	"net/http"

	"mediatrans/internal/config"
	"mediatrans/internal/db"
	"mediatrans/internal/store"
	"mediatrans/internal/websocket"
)

type Handler struct {
	cfg      config.Config
	txRunner db.TxRunner
	reader   store.Getter
	users    UserStore
	ledger   LedgerService
	jobs     JobService
	payments PaymentService
	verifier IdentityVerifier
	devices  DeviceResolver
	objects  ObjectURLs
	hub      *websocket.Hub
}

func New(
	cfg config.Config,
	txRunner db.TxRunner,
	reader store.Getter,
	users UserStore,
	ledger LedgerService,
	jobs JobService,
	payments PaymentService,
	verifier IdentityVerifier,
	devices DeviceResolver,
	objects ObjectURLs,
	hub *websocket.Hub,
) *Handler {
	return &Handler{
		cfg:      cfg,
		txRunner: txRunner,
		reader:   reader,
		users:    users,
		ledger:   ledger,
		jobs:     jobs,
		payments: payments,
		verifier: verifier,
		devices:  devices,
		objects:  objects,
		hub:      hub,
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
