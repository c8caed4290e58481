// Package httpapi exposes the command dispatcher and account lookups over
// HTTP. Chat gateway adapters talk to this surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ekmloo/phoenix/internal/app/command"
	"github.com/ekmloo/phoenix/internal/app/metrics"
	"github.com/ekmloo/phoenix/internal/app/services/transfer"
	"github.com/ekmloo/phoenix/internal/app/storage"
	"github.com/ekmloo/phoenix/pkg/logger"
)

// maxBodyBytes caps request bodies; command payloads are tiny.
const maxBodyBytes = 1 << 16

// Handler wires the HTTP routes.
type Handler struct {
	dispatcher *command.Dispatcher
	accounts   storage.AccountStore
	transfers  *transfer.Service
	metrics    *metrics.Metrics
	log        *logger.Logger
}

func NewHandler(dispatcher *command.Dispatcher, accounts storage.AccountStore, transfers *transfer.Service, m *metrics.Metrics, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{
		dispatcher: dispatcher,
		accounts:   accounts,
		transfers:  transfers,
		metrics:    m,
		log:        log,
	}
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/v1/commands", h.instrument("commands", http.HandlerFunc(h.handleCommand))).Methods(http.MethodPost)
	r.Handle("/v1/accounts/{id}", h.instrument("account", http.HandlerFunc(h.handleAccount))).Methods(http.MethodGet)
	r.Handle("/v1/accounts/{id}/intents", h.instrument("intents", http.HandlerFunc(h.handleIntents))).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

func (h *Handler) instrument(route string, next http.Handler) http.Handler {
	if h.metrics == nil {
		return next
	}
	return h.metrics.InstrumentHandler(route, next)
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req command.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.AccountID == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("account_id and command are required"))
		return
	}

	res := h.dispatcher.Handle(r.Context(), req)
	writeJSON(w, http.StatusOK, res)
}

type accountResponse struct {
	ID            string `json:"id"`
	Address       string `json:"address,omitempty"`
	AuxAddress    string `json:"aux_address,omitempty"`
	Balance       string `json:"balance,omitempty"`
	ReferralCount int64  `json:"referral_count"`
	TotalEarned   int64  `json:"total_earned"`
	PaidVolume    int64  `json:"paid_volume"`
}

func (h *Handler) handleAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	acct, err := h.accounts.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("account %s not found", id))
		return
	}

	resp := accountResponse{
		ID:            acct.ID,
		Address:       acct.PublicAddress,
		AuxAddress:    acct.AuxAddress,
		ReferralCount: acct.ReferralCount,
		TotalEarned:   acct.AccumulatedCommission,
		PaidVolume:    acct.PaidVolume,
	}
	if acct.HasWallet() {
		if bal, err := h.transfers.Balance(r.Context(), id); err == nil {
			resp.Balance = fmt.Sprintf("%d", bal)
		} else if !errors.Is(err, transfer.ErrNoWallet) {
			h.log.WithError(err).WithField("account_id", id).Warn("balance lookup failed")
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleIntents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.accounts.GetAccount(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("account %s not found", id))
		return
	}
	intents, err := h.transfers.Intents(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, intents)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
