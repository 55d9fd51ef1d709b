// Package queue provides the at-least-once message transport that links the
// dispatcher, the fetch workers and the convergence poller.
package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/scan-engine/internal/types"
)

// Kind tags the payload a message carries
type Kind string

const (
	// KindFetchChunk asks a worker to fetch one chunk of accounts
	KindFetchChunk Kind = "fetch_chunk"
	// KindAnalyze asks the poller to check convergence and finalize
	KindAnalyze Kind = "analyze"
)

// FetchChunk is the payload of a KindFetchChunk message
type FetchChunk struct {
	JobID      string       `json:"jobId"`
	ChunkIndex int          `json:"chunkIndex"`
	Accounts   []string     `json:"accounts"`
	Window     types.Window `json:"window"`
}

// Analyze is the payload of a KindAnalyze message
type Analyze struct {
	JobID   string `json:"jobId"`
	Attempt int    `json:"attempt"`
}

// Message is the envelope stored on a queue. Exactly one payload field is set,
// matching Kind.
type Message struct {
	ID         string      `json:"id"`
	Kind       Kind        `json:"kind"`
	FetchChunk *FetchChunk `json:"fetchChunk,omitempty"`
	Analyze    *Analyze    `json:"analyze,omitempty"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`

	// Deliveries is filled in on receive and never serialized.
	Deliveries int `json:"-"`
}

// NewFetchChunkMessage builds a fetch message for one chunk
func NewFetchChunkMessage(jobID string, chunkIndex int, accounts []string, window types.Window) *Message {
	return &Message{
		ID:   uuid.NewString(),
		Kind: KindFetchChunk,
		FetchChunk: &FetchChunk{
			JobID:      jobID,
			ChunkIndex: chunkIndex,
			Accounts:   accounts,
			Window:     window,
		},
	}
}

// NewAnalyzeMessage builds a convergence message for a job
func NewAnalyzeMessage(jobID string, attempt int) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Kind:    KindAnalyze,
		Analyze: &Analyze{JobID: jobID, Attempt: attempt},
	}
}

// Validate checks that the payload matches the kind
func (m *Message) Validate() error {
	switch m.Kind {
	case KindFetchChunk:
		if m.FetchChunk == nil || m.Analyze != nil {
			return fmt.Errorf("message %s: %s requires only a fetchChunk payload", m.ID, m.Kind)
		}
		if m.FetchChunk.JobID == "" {
			return fmt.Errorf("message %s: missing job id", m.ID)
		}
	case KindAnalyze:
		if m.Analyze == nil || m.FetchChunk != nil {
			return fmt.Errorf("message %s: %s requires only an analyze payload", m.ID, m.Kind)
		}
		if m.Analyze.JobID == "" {
			return fmt.Errorf("message %s: missing job id", m.ID)
		}
	default:
		return fmt.Errorf("message %s: %w: %q", m.ID, ErrUnknownKind, m.Kind)
	}
	return nil
}

// JobID returns the job the message belongs to
func (m *Message) JobID() string {
	switch {
	case m.FetchChunk != nil:
		return m.FetchChunk.JobID
	case m.Analyze != nil:
		return m.Analyze.JobID
	}
	return ""
}
