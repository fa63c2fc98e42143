// Package vault is the TTL-bounded store for locked jobs awaiting payment.
// A job is locked once, peeked any number of times, and taken exactly once;
// entries past their TTL are absent whether or not they were purged.
package vault

import (
	"context"
	"errors"
	"time"

	"github.com/agenttrade/gateway/internal/pricing"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrExpired  = errors.New("job expired")
	// ErrAlreadyTaken is what the loser of a concurrent take race observes.
	ErrAlreadyTaken = errors.New("job already taken")
)

// Job is one locked, priced, pending-payment unit of result data.
// Payload holds the sealed (gate-protected) result bytes.
type Job struct {
	ID        string        `json:"job_id"`
	Payload   []byte        `json:"payload"`
	Quote     pricing.Quote `json:"quote"`
	Recipient string        `json:"recipient"`
	Treasury  string        `json:"treasury"`
	// Payer is the expected payer wallet, when the challenge recorded one.
	Payer     string `json:"payer,omitempty"`
	Memo      string `json:"memo"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// Vault stores locked jobs. Take is linearizable per job id: among
// concurrent calls exactly one receives the job, the rest ErrAlreadyTaken.
type Vault interface {
	// Lock stores the job and stamps CreatedAt/ExpiresAt from ttl.
	Lock(ctx context.Context, job *Job, ttl time.Duration) error
	// Peek returns the job without removing it.
	Peek(ctx context.Context, id string) (*Job, error)
	// Take atomically removes and returns the job.
	Take(ctx context.Context, id string) (*Job, error)
}

// tombstoneTTL is how long a taken marker outlives the entry, so late
// duplicate settles still observe ErrAlreadyTaken instead of ErrNotFound.
const tombstoneTTL = 10 * time.Minute
