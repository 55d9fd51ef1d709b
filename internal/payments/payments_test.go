package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scan-engine/internal/credits"
	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/idempotency"
	"github.com/scan-engine/internal/models"
	"github.com/scan-engine/internal/storage"
)

const secret = "whsec_test"

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := Sign(payload, secret, now)

	assert.NoError(t, VerifySignature(payload, header, secret, now.Add(time.Minute), 5*time.Minute))

	tests := map[string]struct {
		payload []byte
		header  string
		secret  string
		at      time.Time
	}{
		"tampered payload": {[]byte(`{"id":"evt_2"}`), header, secret, now},
		"wrong secret":     {payload, header, "other", now},
		"too old":          {payload, header, secret, now.Add(6 * time.Minute)},
		"from the future":  {payload, header, secret, now.Add(-6 * time.Minute)},
		"malformed":        {payload, "garbage", secret, now},
		"no secret":        {payload, header, "", now},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := VerifySignature(tt.payload, tt.header, tt.secret, tt.at, 5*time.Minute)
			require.Error(t, err)
			assert.Equal(t, http.StatusBadRequest, apperrors.GetHTTPStatusCode(err))
		})
	}
}

func TestVerifySignature_AnyV1Matches(t *testing.T) {
	payload := []byte(`{}`)
	good := Sign(payload, secret, now)
	header := good[:len("t=")+10] + ",v1=deadbeef" + good[len("t=")+10:]
	assert.NoError(t, VerifySignature(payload, header, secret, now, 0))
}

type fakeSessions map[string]*CheckoutSession

func (f fakeSessions) GetSession(_ context.Context, id string) (*CheckoutSession, error) {
	s, ok := f[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("checkout session", id)
	}
	return s, nil
}

func newTestService(sessions SessionLookup) (*Service, *storage.MemoryLedgerStore) {
	store := storage.NewMemoryLedgerStore()
	ledger := credits.NewLedger(store, credits.Pricing{BaseCost: 10, PerAccountCost: 1})
	guard := idempotency.NewGuard(storage.NewMemoryIdempotencyStore())
	svc := NewService(ledger, guard, sessions, Config{WebhookSecret: secret, Tolerance: 5 * time.Minute, CreditsPerUnit: 100})
	svc.now = func() time.Time { return now }
	return svc, store
}

func webhook(t *testing.T, evt Event) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	return payload, Sign(payload, secret, now)
}

func balance(t *testing.T, store *storage.MemoryLedgerStore, tenant string) int64 {
	t.Helper()
	p, err := store.GetProfile(context.Background(), tenant)
	if err != nil {
		return 0
	}
	return p.Balance
}

func TestHandleWebhook_DuplicateDeliveryGrantsOnce(t *testing.T) {
	svc, store := newTestService(nil)
	ctx := context.Background()
	payload, sig := webhook(t, Event{ID: "evt_1", Type: EventCheckoutCompleted, Data: EventData{SessionID: "cs_1", TenantID: "t1", Units: 5}})

	granted, err := svc.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = svc.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.False(t, granted)

	assert.EqualValues(t, 500, balance(t, store, "t1"))
	txs, _ := store.ListTransactions(ctx, "t1", 10)
	assert.Len(t, txs, 1)
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	svc, store := newTestService(nil)
	payload, _ := webhook(t, Event{ID: "evt_1", Type: EventCheckoutCompleted, Data: EventData{SessionID: "cs_1", TenantID: "t1", Units: 5}})

	_, err := svc.HandleWebhook(context.Background(), payload, "t=1,v1=00")
	require.Error(t, err)
	assert.Zero(t, balance(t, store, "t1"))
}

func TestHandleEvent_InvoicePaid(t *testing.T) {
	svc, store := newTestService(nil)
	granted, err := svc.HandleEvent(context.Background(), &Event{ID: "evt_9", Type: EventInvoicePaid, Data: EventData{InvoiceID: "in_1", TenantID: "t1", Units: 2}})
	require.NoError(t, err)
	assert.True(t, granted)

	txs, _ := store.ListTransactions(context.Background(), "t1", 10)
	require.Len(t, txs, 1)
	assert.Equal(t, models.TransactionRecurring, txs[0].Type)
	assert.EqualValues(t, 200, txs[0].Amount)
}

func TestHandleEvent_IgnoresOtherTypes(t *testing.T) {
	svc, _ := newTestService(nil)
	granted, err := svc.HandleEvent(context.Background(), &Event{ID: "evt_3", Type: "customer.updated"})
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestVerifyCheckout_RacesWithWebhook(t *testing.T) {
	sessions := fakeSessions{
		"cs_1": {ID: "cs_1", TenantID: "t1", Paid: true, Units: 3},
		"cs_2": {ID: "cs_2", TenantID: "t1", Paid: false, Units: 3},
	}
	svc, store := newTestService(sessions)
	ctx := context.Background()

	granted, err := svc.VerifyCheckout(ctx, "t1", "cs_1")
	require.NoError(t, err)
	assert.True(t, granted)

	payload, sig := webhook(t, Event{ID: "evt_7", Type: EventCheckoutCompleted, Data: EventData{SessionID: "cs_1", TenantID: "t1", Units: 3}})
	granted, err = svc.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.False(t, granted, "webhook must not credit a session already verified")

	granted, err = svc.VerifyCheckout(ctx, "t1", "cs_1")
	require.NoError(t, err)
	assert.False(t, granted)

	assert.EqualValues(t, 300, balance(t, store, "t1"))

	_, err = svc.VerifyCheckout(ctx, "t1", "cs_2")
	assert.True(t, apperrors.Is(err, apperrors.CategoryConflict))

	_, err = svc.VerifyCheckout(ctx, "t2", "cs_1")
	assert.True(t, apperrors.Is(err, apperrors.CategoryAuthorization))
}

func TestHTTPSessionLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/checkout/sessions/cs_1" {
			_, _ = w.Write([]byte(`{"id":"cs_1","tenantId":"t1","paid":true,"units":4}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	lookup := NewHTTPSessionLookup(srv.URL, "sk", time.Second)
	s, err := lookup.GetSession(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.True(t, s.Paid)
	assert.EqualValues(t, 4, s.Units)

	_, err = lookup.GetSession(context.Background(), "cs_x")
	assert.True(t, apperrors.Is(err, apperrors.CategoryNotFound))
}
