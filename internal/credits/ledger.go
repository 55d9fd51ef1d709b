// Package credits applies scan pricing to the tenant ledger.
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/logging"
	"github.com/scan-engine/internal/metrics"
	"github.com/scan-engine/internal/models"
	"github.com/scan-engine/internal/storage"
)

// ErrInsufficientCredits is returned by Deduct when the balance cannot cover
// the amount. It is a normal rejection, not a transient failure.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Pricing configures cost estimation and the free tier
type Pricing struct {
	BaseCost             int64
	PerAccountCost       int64
	FreeTierEnabled      bool
	FreeTierAccountLimit int
}

// Reservation is the outcome of a successful Reserve
type Reservation struct {
	TenantID string `json:"tenantId"`
	Cost     int64  `json:"cost"`
	// FreeTier means the weekly free scan was claimed and nothing is charged.
	FreeTier bool `json:"freeTier"`
}

// Ledger wraps a LedgerStore with pricing rules
type Ledger struct {
	store   storage.LedgerStore
	pricing Pricing
	now     func() time.Time
}

// NewLedger creates a ledger
func NewLedger(store storage.LedgerStore, pricing Pricing) *Ledger {
	return &Ledger{store: store, pricing: pricing, now: time.Now}
}

// EstimateCost returns the credits a scan of accountCount accounts needs
func (l *Ledger) EstimateCost(accountCount int) int64 {
	if accountCount < 0 {
		accountCount = 0
	}
	return l.pricing.BaseCost + int64(accountCount)*l.pricing.PerAccountCost
}

// Balance returns the tenant's balance; a tenant without a profile has 0
func (l *Ledger) Balance(ctx context.Context, tenantID string) (int64, error) {
	p, err := l.profile(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return p.Balance, nil
}

func (l *Ledger) profile(ctx context.Context, tenantID string) (*models.Profile, error) {
	p, err := l.store.GetProfile(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return &models.Profile{TenantID: tenantID}, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get profile", err)
	}
	return p, nil
}

// Reserve checks that tenantID can run a scan costing cost. Tenants with no
// balance fall back to the weekly free scan, which is claimed here and must
// be released with ReleaseFreeScan if the scan fails. Nothing is debited.
func (l *Ledger) Reserve(ctx context.Context, tenantID string, cost int64, accountCount int) (*Reservation, error) {
	p, err := l.profile(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if p.Balance <= 0 {
		if !l.pricing.FreeTierEnabled {
			metrics.CreditOps.WithLabelValues("reserve", "insufficient").Inc()
			return nil, insufficient(p.Balance, cost)
		}
		if l.pricing.FreeTierAccountLimit > 0 && accountCount > l.pricing.FreeTierAccountLimit {
			metrics.CreditOps.WithLabelValues("reserve", "free_tier_limit").Inc()
			return nil, apperrors.NewFreeTierExhaustedError(
				fmt.Sprintf("free scans are limited to %d accounts", l.pricing.FreeTierAccountLimit))
		}
		claimed, err := l.store.ClaimFreeScan(ctx, tenantID, l.now())
		if err != nil {
			return nil, apperrors.NewDatabaseError("claim free scan", err)
		}
		if !claimed {
			metrics.CreditOps.WithLabelValues("reserve", "free_tier_used").Inc()
			return nil, apperrors.NewFreeTierExhaustedError("free scan already used this week")
		}
		metrics.CreditOps.WithLabelValues("reserve", "free_tier").Inc()
		return &Reservation{TenantID: tenantID, FreeTier: true}, nil
	}

	if p.Balance < cost {
		metrics.CreditOps.WithLabelValues("reserve", "insufficient").Inc()
		return nil, insufficient(p.Balance, cost)
	}

	metrics.CreditOps.WithLabelValues("reserve", "ok").Inc()
	return &Reservation{TenantID: tenantID, Cost: cost}, nil
}

func insufficient(balance, needed int64) error {
	e := apperrors.NewInsufficientCreditsError(balance, needed)
	e.Cause = ErrInsufficientCredits
	return e
}

// ReleaseFreeScan gives back a weekly free scan claimed by Reserve
func (l *Ledger) ReleaseFreeScan(ctx context.Context, tenantID string) error {
	if err := l.store.ReleaseFreeScan(ctx, tenantID, l.now()); err != nil {
		return apperrors.NewDatabaseError("release free scan", err)
	}
	return nil
}

// Deduct atomically debits amount. Returns ErrInsufficientCredits rather
// than letting the balance go negative.
func (l *Ledger) Deduct(ctx context.Context, tenantID string, amount int64, description, reference string) (*models.CreditTransaction, error) {
	tx, err := l.store.Debit(ctx, tenantID, amount, models.TransactionScanDebit, description, reference)
	switch {
	case err == nil:
		metrics.CreditOps.WithLabelValues("deduct", "ok").Inc()
		return tx, nil
	case errors.Is(err, storage.ErrInsufficientBalance), errors.Is(err, storage.ErrNotFound):
		metrics.CreditOps.WithLabelValues("deduct", "insufficient").Inc()
		return nil, ErrInsufficientCredits
	default:
		metrics.CreditOps.WithLabelValues("deduct", "error").Inc()
		return nil, apperrors.NewDatabaseError("deduct credits", err)
	}
}

// Refund credits amount back to the tenant
func (l *Ledger) Refund(ctx context.Context, tenantID string, amount int64, description, reference string) (*models.CreditTransaction, error) {
	tx, err := l.store.Credit(ctx, tenantID, amount, models.TransactionRefund, description, reference)
	if err != nil {
		metrics.CreditOps.WithLabelValues("refund", "error").Inc()
		return nil, apperrors.NewDatabaseError("refund credits", err)
	}
	metrics.CreditOps.WithLabelValues("refund", "ok").Inc()
	return tx, nil
}

// AddCredits grants purchased or recurring credits
func (l *Ledger) AddCredits(ctx context.Context, tenantID string, amount int64, txType models.TransactionType, description, reference string) (*models.CreditTransaction, error) {
	if txType != models.TransactionPurchase && txType != models.TransactionRecurring {
		return nil, apperrors.NewInvalidParameterError("type", fmt.Sprintf("cannot grant credits as %q", txType))
	}
	if amount <= 0 {
		return nil, apperrors.NewInvalidParameterError("amount", "must be positive")
	}
	tx, err := l.store.Credit(ctx, tenantID, amount, txType, description, reference)
	if err != nil {
		metrics.CreditOps.WithLabelValues("add", "error").Inc()
		return nil, apperrors.NewDatabaseError("add credits", err)
	}
	metrics.CreditOps.WithLabelValues("add", "ok").Inc()
	return tx, nil
}

// Transactions lists the tenant's most recent ledger rows
func (l *Ledger) Transactions(ctx context.Context, tenantID string, limit int) ([]*models.CreditTransaction, error) {
	txs, err := l.store.ListTransactions(ctx, tenantID, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list transactions", err)
	}
	return txs, nil
}

// ChargeForResult debits the reservation and then persists the result with
// the charged amount. If persist fails the debit is refunded at once; a
// refund that itself fails is logged at error level with every identifier
// and counted, and both errors are returned.
func (l *Ledger) ChargeForResult(ctx context.Context, res *Reservation, jobID string, persist func(ctx context.Context, charged int64) error) (int64, error) {
	if res == nil || res.FreeTier || res.Cost <= 0 {
		return 0, persist(ctx, 0)
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"tenantId": res.TenantID,
		"jobId":    jobID,
		"amount":   res.Cost,
	})

	description := fmt.Sprintf("scan %s", jobID)
	debit, err := l.Deduct(ctx, res.TenantID, res.Cost, description, jobID)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			p, _ := l.profile(ctx, res.TenantID)
			var balance int64
			if p != nil {
				balance = p.Balance
			}
			return 0, insufficient(balance, res.Cost)
		}
		return 0, err
	}

	persistErr := persist(ctx, res.Cost)
	if persistErr == nil {
		return res.Cost, nil
	}

	logger.WithError(persistErr).Warn("Result save failed after debit, refunding")
	if _, refundErr := l.Refund(ctx, res.TenantID, res.Cost, "refund: "+description, jobID); refundErr != nil {
		metrics.RefundFailures.Inc()
		logger.WithError(refundErr).WithFields(map[string]interface{}{
			"debitTransactionId": debit.ID,
			"saveError":          persistErr.Error(),
		}).Error("REFUND FAILED: tenant charged for a result that was not saved")
		return 0, errors.Join(persistErr, refundErr)
	}
	return 0, persistErr
}
