// Package scan runs scan jobs: the chunk dispatcher, the fetch worker, the
// convergence poller and the finisher that analyzes, charges and persists.
package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "github.com/scan-engine/internal/errors"
	"github.com/scan-engine/internal/models"
	"github.com/scan-engine/internal/types"
)

// KV is the TTL store holding job state. storage.RedisCache implements it.
type KV interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	ExistsEach(ctx context.Context, keys []string) ([]bool, error)
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
}

// StoreConfig holds the TTLs of job artifacts
type StoreConfig struct {
	JobTTL          time.Duration
	ChunkTTL        time.Duration
	FinalizeLockTTL time.Duration
	ScanCacheTTL    time.Duration
}

// JobStore keeps job metadata, chunk results, the finalize lock and the
// scan-level result cache in the KV store. Nothing here is shared in memory
// between invocations.
type JobStore struct {
	kv  KV
	cfg StoreConfig
}

// NewJobStore creates a job store
func NewJobStore(kv KV, cfg StoreConfig) *JobStore {
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = 2 * time.Hour
	}
	if cfg.ChunkTTL <= 0 {
		cfg.ChunkTTL = 3 * time.Hour
	}
	if cfg.FinalizeLockTTL <= 0 {
		cfg.FinalizeLockTTL = 15 * time.Minute
	}
	return &JobStore{kv: kv, cfg: cfg}
}

func jobKey(jobID string) string { return "scan:job:" + jobID }

func chunkKey(jobID string, index int) string {
	return fmt.Sprintf("scan:job:%s:chunk:%d", jobID, index)
}

func finalizeKey(jobID string) string { return "scan:job:" + jobID + ":finalize" }

// SaveJob writes job metadata with the job TTL
func (s *JobStore) SaveJob(ctx context.Context, job *models.ScanJob) error {
	if err := s.kv.SetJSON(ctx, jobKey(job.JobID), job, s.cfg.JobTTL); err != nil {
		return apperrors.NewCacheError("save job", err)
	}
	return nil
}

// LoadJob returns the job, or nil when it expired or was cleaned up
func (s *JobStore) LoadJob(ctx context.Context, jobID string) (*models.ScanJob, error) {
	var job models.ScanJob
	found, err := s.kv.GetJSON(ctx, jobKey(jobID), &job)
	if err != nil {
		return nil, apperrors.NewCacheError("load job", err)
	}
	if !found {
		return nil, nil
	}
	return &job, nil
}

// SaveChunk writes one chunk result; a rewrite of the same chunk overwrites it
func (s *JobStore) SaveChunk(ctx context.Context, chunk *models.ChunkResult) error {
	if err := s.kv.SetJSON(ctx, chunkKey(chunk.JobID, chunk.ChunkIndex), chunk, s.cfg.ChunkTTL); err != nil {
		return apperrors.NewCacheError("save chunk", err)
	}
	return nil
}

// MissingChunks returns the indexes of chunks not yet written
func (s *JobStore) MissingChunks(ctx context.Context, jobID string, total int) ([]int, error) {
	keys := make([]string, total)
	for i := range keys {
		keys[i] = chunkKey(jobID, i)
	}
	present, err := s.kv.ExistsEach(ctx, keys)
	if err != nil {
		return nil, apperrors.NewCacheError("check chunks", err)
	}
	var missing []int
	for i, ok := range present {
		if !ok {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// LoadChunks reads every chunk of a job in index order
func (s *JobStore) LoadChunks(ctx context.Context, jobID string, total int) ([]*models.ChunkResult, error) {
	out := make([]*models.ChunkResult, 0, total)
	for i := 0; i < total; i++ {
		var chunk models.ChunkResult
		found, err := s.kv.GetJSON(ctx, chunkKey(jobID, i), &chunk)
		if err != nil {
			return nil, apperrors.NewCacheError("load chunk", err)
		}
		if !found {
			return nil, fmt.Errorf("chunk %d of job %s disappeared", i, jobID)
		}
		out = append(out, &chunk)
	}
	return out, nil
}

// AcquireFinalize takes the job's finalize lock. Only the first caller gets
// true; the lock expires on its own.
func (s *JobStore) AcquireFinalize(ctx context.Context, jobID string) (bool, error) {
	ok, err := s.kv.SetNX(ctx, finalizeKey(jobID), time.Now().UTC().Format(time.RFC3339), s.cfg.FinalizeLockTTL)
	if err != nil {
		return false, apperrors.NewCacheError("acquire finalize lock", err)
	}
	return ok, nil
}

// Delete removes job metadata and every chunk result. The finalize lock is
// left to expire so late duplicate deliveries still see it.
func (s *JobStore) Delete(ctx context.Context, job *models.ScanJob) error {
	keys := make([]string, 0, job.TotalChunks+1)
	keys = append(keys, jobKey(job.JobID))
	for i := 0; i < job.TotalChunks; i++ {
		keys = append(keys, chunkKey(job.JobID, i))
	}
	if err := s.kv.Del(ctx, keys...); err != nil {
		return apperrors.NewCacheError("delete job", err)
	}
	return nil
}

// ScanCacheKey identifies a job by its inputs, independent of tenant
func ScanCacheKey(accounts []string, window types.Window, promptHash string) string {
	norm := make([]string, len(accounts))
	for i, a := range accounts {
		norm[i] = strings.ToLower(strings.TrimSpace(a))
	}
	sort.Strings(norm)
	sum := sha256.Sum256([]byte(strings.Join(norm, ",")))
	return fmt.Sprintf("scan:result:%d:%s:%s", int(window), promptHash, hex.EncodeToString(sum[:16]))
}

// LoadCachedResult returns a cached result for key, or nil
func (s *JobStore) LoadCachedResult(ctx context.Context, key string) (*models.ScanResult, error) {
	if s.cfg.ScanCacheTTL <= 0 {
		return nil, nil
	}
	var res models.ScanResult
	found, err := s.kv.GetJSON(ctx, key, &res)
	if err != nil {
		return nil, apperrors.NewCacheError("load scan cache", err)
	}
	if !found {
		return nil, nil
	}
	return &res, nil
}

// CacheResult stores a result under key. Callers treat failure as best-effort.
func (s *JobStore) CacheResult(ctx context.Context, key string, res *models.ScanResult) error {
	if s.cfg.ScanCacheTTL <= 0 {
		return nil
	}
	return s.kv.SetJSON(ctx, key, res, s.cfg.ScanCacheTTL)
}

// PromptHash is sha256 over prompt and model
func PromptHash(prompt, model string) string {
	sum := sha256.Sum256([]byte(prompt + "\x00" + model))
	return hex.EncodeToString(sum[:])
}

// Partition splits accounts into chunks of at most size, preserving order
func Partition(accounts []string, size int) [][]string {
	if size <= 0 {
		size = len(accounts)
	}
	var chunks [][]string
	for start := 0; start < len(accounts); start += size {
		end := min(start+size, len(accounts))
		chunk := make([]string, end-start)
		copy(chunk, accounts[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}
