package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/scan-engine/internal/logging"
)

const (
	// HeaderUserID carries the authenticated tenant, set by the gateway
	HeaderUserID = "X-User-ID"
	// HeaderSignature carries the payment provider's webhook signature
	HeaderSignature = "Payments-Signature"

	maxWebhookBytes = 1 << 20
	defaultTxLimit  = 20
	maxTxLimit      = 100
)

// handlePaymentWebhook handles POST /webhooks/payments.
// The raw body is verified before it is parsed.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "could not read body", nil)
		return
	}

	granted, err := s.payments.HandleWebhook(r.Context(), payload, r.Header.Get(HeaderSignature))
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("Webhook rejected")
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"granted":  granted,
	})
}

// handleVerifyCheckout handles POST /api/checkout/{sessionId}/verify
func (s *Server) handleVerifyCheckout(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	sessionID := mux.Vars(r)["sessionId"]

	granted, err := s.payments.VerifyCheckout(r.Context(), tenantID, sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	balance, err := s.credits.Balance(r.Context(), tenantID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sessionID,
		"granted":   granted,
		"balance":   balance,
	})
}

// handleGetCredits handles GET /api/credits?limit=N
func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	limit := defaultTxLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxTxLimit {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be between 1 and 100", map[string]interface{}{
				"parameter": "limit",
			})
			return
		}
		limit = n
	}

	balance, err := s.credits.Balance(r.Context(), tenantID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	txs, err := s.credits.Transactions(r.Context(), tenantID, limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tenantId":     tenantID,
		"balance":      balance,
		"transactions": txs,
	})
}

func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if tenantID == "" {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing "+HeaderUserID+" header", nil)
		return "", false
	}
	return tenantID, true
}
