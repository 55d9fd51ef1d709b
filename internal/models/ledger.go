package models

import (
	"time"

	"github.com/scan-engine/internal/types"
)

// Profile is a tenant's billing state
type Profile struct {
	TenantID           string                   `json:"tenantId" db:"tenant_id"`
	Balance            int64                    `json:"balance" db:"balance"`
	SubscriptionStatus types.SubscriptionStatus `json:"subscriptionStatus" db:"subscription_status"`
	FreeScanUsedAt     *time.Time               `json:"freeScanUsedAt,omitempty" db:"free_scan_used_at"`
	UpdatedAt          time.Time                `json:"updatedAt" db:"updated_at"`
}

// FreeScanUsedThisWeek reports whether the weekly free scan has been claimed
// in the ISO week containing now.
func (p *Profile) FreeScanUsedThisWeek(now time.Time) bool {
	if p.FreeScanUsedAt == nil {
		return false
	}
	return !p.FreeScanUsedAt.Before(types.WeekStart(now))
}

// TransactionType classifies a ledger row
type TransactionType string

const (
	TransactionPurchase  TransactionType = "purchase"
	TransactionRecurring TransactionType = "recurring"
	TransactionScanDebit TransactionType = "scan_debit"
	TransactionRefund    TransactionType = "refund"
)

// CreditTransaction is an append-only ledger row. Amount is signed.
type CreditTransaction struct {
	ID           string          `json:"id" db:"id"`
	TenantID     string          `json:"tenantId" db:"tenant_id"`
	Type         TransactionType `json:"type" db:"type"`
	Amount       int64           `json:"amount" db:"amount"`
	BalanceAfter int64           `json:"balanceAfter" db:"balance_after"`
	Description  string          `json:"description" db:"description"`
	Reference    string          `json:"reference,omitempty" db:"reference"`
	CreatedAt    time.Time       `json:"createdAt" db:"created_at"`
}

// IdempotencyRecord marks an external event as processed
type IdempotencyRecord struct {
	EventID   string    `json:"eventId" db:"event_id"`
	Source    string    `json:"source" db:"source"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
