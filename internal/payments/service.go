package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/scan-engine/internal/credits"
	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/idempotency"
	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/metrics"
	"github.com/scan-engine/internal/models"
)

// Event types that grant credits
const (
	EventCheckoutCompleted = "checkout.completed"
	EventInvoicePaid       = "invoice.paid"
)

// Event is a payment provider callback
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created int64     `json:"created"`
	Data    EventData `json:"data"`
}

// EventData carries the fields the engine uses from an event
type EventData struct {
	SessionID      string `json:"sessionId,omitempty"`
	InvoiceID      string `json:"invoiceId,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	TenantID       string `json:"tenantId"`
	Units          int64  `json:"units"`
}

// CheckoutSession is the provider's view of a checkout
type CheckoutSession struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Paid     bool   `json:"paid"`
	Units    int64  `json:"units"`
}

// SessionLookup fetches a checkout session from the payment provider
type SessionLookup interface {
	GetSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
}

// Service turns verified payment events into ledger grants. Checkout grants
// are keyed by session so the webhook and client-side verification cannot
// both credit the same payment.
type Service struct {
	ledger         *credits.Ledger
	guard          *idempotency.Guard
	sessions       SessionLookup
	secret         string
	tolerance      time.Duration
	creditsPerUnit int64
	now            func() time.Time
}

// Config configures the payments Service
type Config struct {
	WebhookSecret  string
	Tolerance      time.Duration
	CreditsPerUnit int64
}

// NewService creates a payments service. sessions may be nil when
// client-side verification is not offered.
func NewService(ledger *credits.Ledger, guard *idempotency.Guard, sessions SessionLookup, cfg Config) *Service {
	if cfg.CreditsPerUnit <= 0 {
		cfg.CreditsPerUnit = 1
	}
	return &Service{
		ledger:         ledger,
		guard:          guard,
		sessions:       sessions,
		secret:         cfg.WebhookSecret,
		tolerance:      cfg.Tolerance,
		creditsPerUnit: cfg.CreditsPerUnit,
		now:            time.Now,
	}
}

func checkoutKey(sessionID string) string {
	return "checkout:" + sessionID
}

// HandleWebhook verifies and applies a raw webhook delivery. It reports
// whether credits were granted by this call.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (bool, error) {
	if err := VerifySignature(payload, signature, s.secret, s.now(), s.tolerance); err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "bad_signature").Inc()
		return false, err
	}

	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "malformed").Inc()
		return false, apperrors.NewInvalidParameterError("body", "malformed event")
	}
	return s.HandleEvent(ctx, &evt)
}

// HandleEvent applies a verified event once per event id
func (s *Service) HandleEvent(ctx context.Context, evt *Event) (bool, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"eventId":   evt.ID,
		"eventType": evt.Type,
		"tenantId":  evt.Data.TenantID,
	})

	if evt.Type != EventCheckoutCompleted && evt.Type != EventInvoicePaid {
		metrics.WebhookEvents.WithLabelValues(evt.Type, "ignored").Inc()
		logger.Debug("Ignoring payment event")
		return false, nil
	}
	if evt.ID == "" || evt.Data.TenantID == "" || evt.Data.Units <= 0 {
		metrics.WebhookEvents.WithLabelValues(evt.Type, "malformed").Inc()
		return false, apperrors.NewInvalidParameterError("event", "missing id, tenant or units")
	}

	granted := false
	ran, err := s.guard.Do(ctx, evt.ID, "webhook", func(ctx context.Context) error {
		switch evt.Type {
		case EventCheckoutCompleted:
			if evt.Data.SessionID == "" {
				return apperrors.NewInvalidParameterError("sessionId", "required for checkout events")
			}
			ok, err := s.grantCheckout(ctx, evt.Data.TenantID, evt.Data.SessionID, evt.Data.Units)
			granted = ok
			return err
		default:
			amount := evt.Data.Units * s.creditsPerUnit
			ref := evt.Data.InvoiceID
			if ref == "" {
				ref = evt.ID
			}
			_, err := s.ledger.AddCredits(ctx, evt.Data.TenantID, amount, models.TransactionRecurring,
				fmt.Sprintf("subscription renewal %s", evt.Data.SubscriptionID), ref)
			granted = err == nil
			return err
		}
	})
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(evt.Type, "error").Inc()
		logger.WithError(err).Error("Failed to apply payment event")
		return false, err
	}
	if !ran {
		metrics.WebhookEvents.WithLabelValues(evt.Type, "duplicate").Inc()
		return false, nil
	}

	outcome := "granted"
	if !granted {
		outcome = "already_granted"
	}
	metrics.WebhookEvents.WithLabelValues(evt.Type, outcome).Inc()
	logger.WithField("granted", granted).Info("Payment event applied")
	return granted, nil
}

func (s *Service) grantCheckout(ctx context.Context, tenantID, sessionID string, units int64) (bool, error) {
	return s.guard.Do(ctx, checkoutKey(sessionID), "checkout", func(ctx context.Context) error {
		_, err := s.ledger.AddCredits(ctx, tenantID, units*s.creditsPerUnit, models.TransactionPurchase,
			"credit purchase", sessionID)
		return err
	})
}

// VerifyCheckout is the client-side path after a redirect from checkout. It
// grants the session's credits unless the webhook already did.
func (s *Service) VerifyCheckout(ctx context.Context, tenantID, sessionID string) (bool, error) {
	if s.sessions == nil {
		return false, apperrors.NewInternalError("checkout verification not configured", nil)
	}
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if session.TenantID != tenantID {
		return false, apperrors.NewUnauthorizedError("checkout session belongs to another account")
	}
	if !session.Paid {
		return false, apperrors.NewConflictError("payment not completed")
	}
	return s.grantCheckout(ctx, tenantID, sessionID, session.Units)
}

// HTTPSessionLookup reads checkout sessions from the provider's REST API
type HTTPSessionLookup struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPSessionLookup creates a session client
func NewHTTPSessionLookup(baseURL, apiKey string, timeout time.Duration) *HTTPSessionLookup {
	return &HTTPSessionLookup{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// GetSession implements SessionLookup
func (h *HTTPSessionLookup) GetSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/v1/checkout/sessions/"+sessionID, nil)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("sessionId", err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, apperrors.NewUpstreamTransientError("payment provider", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.NewNotFoundError("checkout session", sessionID)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.NewUpstreamTransientError("payment provider", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return nil, apperrors.NewUpstreamPermanentError("payment provider", resp.StatusCode, nil)
	}

	var session CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, apperrors.NewUpstreamTransientError("payment provider", err)
	}
	return &session, nil
}
