package models

import (
	"strings"
	"time"

	"github.com/scan-engine/internal/types"
)

// ScanJob is one firing of a schedule. It lives in the KV store with a TTL
// and is deleted together with its chunk results on a terminal state.
type ScanJob struct {
	JobID         string            `json:"jobId"`
	ScheduleID    string            `json:"scheduleId"`
	TenantID      string            `json:"tenantId"`
	Accounts      []string          `json:"accounts"`
	Window        types.Window      `json:"window"`
	Model         string            `json:"model"`
	Selectivity   types.Selectivity `json:"selectivity"`
	Prompt        string            `json:"prompt"`
	PromptHash    string            `json:"promptHash"`
	TotalChunks   int               `json:"totalChunks"`
	CreditsNeeded int64             `json:"creditsNeeded"`
	FreeTier      bool              `json:"freeTier"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// AccountResult is the outcome of fetching one account
type AccountResult struct {
	Account string        `json:"account"`
	Items   []ContentItem `json:"items"`
	Error   string        `json:"error,omitempty"`
	// Partial is set when the budget stopped pagination before the window
	// was fully read.
	Partial bool `json:"partial,omitempty"`
}

// ChunkResult is one fetch worker's output for (job, chunk)
type ChunkResult struct {
	JobID      string          `json:"jobId"`
	ChunkIndex int             `json:"chunkIndex"`
	Accounts   []AccountResult `json:"accounts"`
	Skipped    []string        `json:"skipped,omitempty"`
	ItemCount  int             `json:"itemCount"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// ContentItem is a single post fetched from the content provider
type ContentItem struct {
	ID          string    `json:"id"`
	Account     string    `json:"account"`
	URL         string    `json:"url"`
	Title       string    `json:"title,omitempty"`
	Text        string    `json:"text"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Key returns the stable identity used to dedupe items across chunks
func (c ContentItem) Key() string {
	if c.ID != "" {
		return strings.ToLower(c.Account) + "|" + c.ID
	}
	return strings.ToLower(c.URL)
}

// Size approximates the item's serialized footprint in an analysis request
func (c ContentItem) Size() int {
	return len(c.Account) + len(c.URL) + len(c.Title) + len(c.Text) + 64
}

// Finding is one structured result produced by the analysis provider
type Finding struct {
	SourceURL string   `json:"sourceUrl"`
	Title     string   `json:"title"`
	Summary   string   `json:"summary"`
	Account   string   `json:"account,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Score     float64  `json:"score,omitempty"`
}

// Key returns the dedupe key lower(url)|lower(title)
func (f Finding) Key() string {
	return strings.ToLower(strings.TrimSpace(f.SourceURL)) + "|" + strings.ToLower(strings.TrimSpace(f.Title))
}

// ScanResult is the persisted outcome of a completed job
type ScanResult struct {
	JobID           string    `json:"jobId" ch:"job_id"`
	ScheduleID      string    `json:"scheduleId" ch:"schedule_id"`
	TenantID        string    `json:"tenantId" ch:"tenant_id"`
	Window          int       `json:"window" ch:"window_days"`
	Model           string    `json:"model" ch:"model"`
	Findings        []Finding `json:"findings" ch:"-"`
	ItemCount       int       `json:"itemCount" ch:"item_count"`
	AccountCount    int       `json:"accountCount" ch:"account_count"`
	SkippedAccounts []string  `json:"skippedAccounts,omitempty" ch:"skipped_accounts"`
	FailedAccounts  []string  `json:"failedAccounts,omitempty" ch:"failed_accounts"`
	PartialAccounts []string  `json:"partialAccounts,omitempty" ch:"partial_accounts"`
	FailedBatches   int       `json:"failedBatches" ch:"failed_batches"`
	SkippedBatches  int       `json:"skippedBatches" ch:"skipped_batches"`
	CreditsCharged  int64     `json:"creditsCharged" ch:"credits_charged"`
	FromCache       bool      `json:"fromCache" ch:"from_cache"`
	CreatedAt       time.Time `json:"createdAt" ch:"created_at"`
}
