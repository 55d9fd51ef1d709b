package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/scan-engine/internal/models"
	"github.com/scan-engine/internal/types"
)

// In-memory stores back STORE_BACKEND=memory and the test suites. They
// implement the same conditional semantics as the Postgres repositories.

type MemoryScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]models.Schedule
	groups    map[string]models.AccountGroup
}

func NewMemoryScheduleStore() *MemoryScheduleStore {
	return &MemoryScheduleStore{
		schedules: make(map[string]models.Schedule),
		groups:    make(map[string]models.AccountGroup),
	}
}

// PutSchedule inserts or replaces a schedule
func (m *MemoryScheduleStore) PutSchedule(s *models.Schedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	if cp.LastRunStatus == "" {
		cp.LastRunStatus = models.RunStatusIdle
	}
	m.schedules[cp.ID] = cp
}

// PutGroup inserts or replaces an account group
func (m *MemoryScheduleStore) PutGroup(g *models.AccountGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = *g
}

func (m *MemoryScheduleStore) ListEnabled(_ context.Context) ([]*models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		if !s.Enabled {
			continue
		}
		cp := s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryScheduleStore) GetByID(_ context.Context, id string) (*models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return &s, nil
}

func (m *MemoryScheduleStore) ClaimForRun(_ context.Context, id string, now time.Time, cooldown time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok || !s.Enabled || s.LastRunStatus == models.RunStatusRunning {
		return false, nil
	}
	if s.LastRunAt != nil && s.LastRunAt.After(now.Add(-cooldown)) {
		return false, nil
	}
	at := now
	s.LastRunAt = &at
	s.LastRunStatus = models.RunStatusRunning
	s.LastRunMessage = ""
	s.UpdatedAt = now
	m.schedules[id] = s
	return true, nil
}

func (m *MemoryScheduleStore) UpdateRunStatus(_ context.Context, id string, status models.RunStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	s.LastRunStatus = status
	s.LastRunMessage = message
	s.UpdatedAt = time.Now().UTC()
	m.schedules[id] = s
	return nil
}

func (m *MemoryScheduleStore) ResetStale(_ context.Context, now time.Time, staleAfter time.Duration, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-staleAfter)
	var n int64
	for id, s := range m.schedules {
		if s.LastRunStatus != models.RunStatusRunning {
			continue
		}
		if s.LastRunAt != nil && !s.LastRunAt.Before(cutoff) {
			continue
		}
		s.LastRunStatus = models.RunStatusError
		s.LastRunMessage = message
		s.UpdatedAt = now
		m.schedules[id] = s
		n++
	}
	return n, nil
}

func (m *MemoryScheduleStore) GetGroup(_ context.Context, tenantID, groupID string) (*models.AccountGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok || g.TenantID != tenantID {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	return &g, nil
}

func (m *MemoryScheduleStore) MostRecentGroup(_ context.Context, tenantID string) (*models.AccountGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.AccountGroup
	for _, g := range m.groups {
		if g.TenantID != tenantID || len(g.Accounts) == 0 {
			continue
		}
		cp := g
		if best == nil || groupNewer(&cp, best) {
			best = &cp
		}
	}
	return best, nil
}

func groupNewer(a, b *models.AccountGroup) bool {
	switch {
	case a.LastUsedAt != nil && b.LastUsedAt == nil:
		return true
	case a.LastUsedAt == nil && b.LastUsedAt != nil:
		return false
	case a.LastUsedAt != nil && b.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.LastUsedAt.After(*b.LastUsedAt)
	default:
		return a.CreatedAt.After(b.CreatedAt)
	}
}

func (m *MemoryScheduleStore) TouchGroup(_ context.Context, groupID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[groupID]; ok {
		at := now
		g.LastUsedAt = &at
		m.groups[groupID] = g
	}
	return nil
}

type MemoryLedgerStore struct {
	mu           sync.Mutex
	profiles     map[string]models.Profile
	transactions map[string][]models.CreditTransaction
}

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		profiles:     make(map[string]models.Profile),
		transactions: make(map[string][]models.CreditTransaction),
	}
}

// PutProfile inserts or replaces a profile without writing a transaction
func (m *MemoryLedgerStore) PutProfile(p *models.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.TenantID] = *p
}

func (m *MemoryLedgerStore) GetProfile(_ context.Context, tenantID string) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[tenantID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", tenantID, ErrNotFound)
	}
	return &p, nil
}

func (m *MemoryLedgerStore) Debit(_ context.Context, tenantID string, amount int64, txType models.TransactionType, description, reference string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[tenantID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", tenantID, ErrNotFound)
	}
	if p.Balance < amount {
		return nil, ErrInsufficientBalance
	}
	p.Balance -= amount
	p.UpdatedAt = time.Now().UTC()
	m.profiles[tenantID] = p
	return m.appendLocked(tenantID, txType, -amount, p.Balance, description, reference), nil
}

func (m *MemoryLedgerStore) Credit(_ context.Context, tenantID string, amount int64, txType models.TransactionType, description, reference string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[tenantID]
	if !ok {
		p = models.Profile{TenantID: tenantID, SubscriptionStatus: types.SubscriptionNone}
	}
	p.Balance += amount
	p.UpdatedAt = time.Now().UTC()
	m.profiles[tenantID] = p
	return m.appendLocked(tenantID, txType, amount, p.Balance, description, reference), nil
}

func (m *MemoryLedgerStore) appendLocked(tenantID string, txType models.TransactionType, amount, balance int64, description, reference string) *models.CreditTransaction {
	t := models.CreditTransaction{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Type:         txType,
		Amount:       amount,
		BalanceAfter: balance,
		Description:  description,
		Reference:    reference,
		CreatedAt:    time.Now().UTC(),
	}
	m.transactions[tenantID] = append(m.transactions[tenantID], t)
	return &t
}

func (m *MemoryLedgerStore) ClaimFreeScan(_ context.Context, tenantID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[tenantID]
	if !ok {
		p = models.Profile{TenantID: tenantID, SubscriptionStatus: types.SubscriptionNone}
	}
	if p.FreeScanUsedThisWeek(now) {
		return false, nil
	}
	at := now.UTC()
	p.FreeScanUsedAt = &at
	p.UpdatedAt = at
	m.profiles[tenantID] = p
	return true, nil
}

func (m *MemoryLedgerStore) ReleaseFreeScan(_ context.Context, tenantID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[tenantID]
	if !ok || !p.FreeScanUsedThisWeek(now) {
		return nil
	}
	p.FreeScanUsedAt = nil
	m.profiles[tenantID] = p
	return nil
}

func (m *MemoryLedgerStore) ListTransactions(_ context.Context, tenantID string, limit int) ([]*models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txs := m.transactions[tenantID]
	if limit <= 0 {
		limit = 50
	}
	out := make([]*models.CreditTransaction, 0, min(limit, len(txs)))
	for i := len(txs) - 1; i >= 0 && len(out) < limit; i-- {
		t := txs[i]
		out = append(out, &t)
	}
	return out, nil
}

type MemoryIdempotencyStore struct {
	mu     sync.Mutex
	events map[string]models.IdempotencyRecord
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{events: make(map[string]models.IdempotencyRecord)}
}

func (m *MemoryIdempotencyStore) Insert(_ context.Context, eventID, source string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; ok {
		return false, nil
	}
	m.events[eventID] = models.IdempotencyRecord{EventID: eventID, Source: source, CreatedAt: time.Now().UTC()}
	return true, nil
}

func (m *MemoryIdempotencyStore) Delete(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, eventID)
	return nil
}

type MemoryResultStore struct {
	mu      sync.Mutex
	results []models.ScanResult
}

func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{}
}

func (m *MemoryResultStore) Save(_ context.Context, result *models.ScanResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, *result)
	return nil
}

// Results returns a copy of everything saved so far
func (m *MemoryResultStore) Results() []models.ScanResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ScanResult, len(m.results))
	copy(out, m.results)
	return out
}
