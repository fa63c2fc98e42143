package vault

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryVault is the in-process fallback backend for local development.
// Jobs are lost on restart.
type MemoryVault struct {
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*Job
	// taken maps job id -> tombstone expiry, mirroring the Redis backend.
	taken map[string]time.Time
}

func NewMemoryVault(log *zap.Logger) *MemoryVault {
	log.Warn("using in-memory job vault; jobs will be lost on restart")
	return &MemoryVault{
		log:     log,
		now:     time.Now,
		entries: make(map[string]*Job),
		taken:   make(map[string]time.Time),
	}
}

func (v *MemoryVault) Lock(_ context.Context, job *Job, ttl time.Duration) error {
	now := v.now()
	job.CreatedAt = now.Unix()
	job.ExpiresAt = now.Add(ttl).Unix()

	v.mu.Lock()
	defer v.mu.Unlock()
	v.sweepLocked()
	cp := *job
	v.entries[job.ID] = &cp
	return nil
}

func (v *MemoryVault) Peek(_ context.Context, id string) (*Job, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.entries[id]
	if !ok {
		if _, taken := v.taken[id]; taken {
			return nil, ErrAlreadyTaken
		}
		return nil, ErrNotFound
	}
	if entry.ExpiresAt <= v.now().Unix() {
		return nil, ErrExpired
	}
	cp := *entry
	return &cp, nil
}

func (v *MemoryVault) Take(_ context.Context, id string) (*Job, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, taken := v.taken[id]; taken {
		return nil, ErrAlreadyTaken
	}
	entry, ok := v.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(v.entries, id)
	if entry.ExpiresAt <= v.now().Unix() {
		return nil, ErrExpired
	}
	v.taken[id] = v.now().Add(tombstoneTTL)
	return entry, nil
}

// sweepLocked lazily reclaims expired entries and stale tombstones.
// Caller must hold mu.
func (v *MemoryVault) sweepLocked() {
	now := v.now()
	for id, e := range v.entries {
		// Keep a grace window so Take can still report Expired.
		if e.ExpiresAt+60 <= now.Unix() {
			delete(v.entries, id)
		}
	}
	for id, until := range v.taken {
		if until.Before(now) {
			delete(v.taken, id)
		}
	}
}
