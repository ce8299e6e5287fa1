package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for audit log operations.
type Repository interface {
	// Append records an access event and returns the stored entry.
	Append(ctx context.Context, entry LogEntry) (*Log, error)

	// QueryByEntity retrieves logs for an entity, newest first.
	// Limit specifies the maximum number of entries to return (0 = no limit).
	QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Log, error)

	// QueryByUser retrieves logs for a user, newest first.
	// Limit specifies the maximum number of entries to return (0 = no limit).
	QueryByUser(ctx context.Context, userID string, limit int) ([]*Log, error)

	// AnonymizeBefore anonymizes the IP address of entries created before cutoff.
	AnonymizeBefore(ctx context.Context, cutoff time.Time) (int, error)

	// DeleteBefore removes entries created before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// InMemoryRepository is an in-memory, hash-chained implementation of Repository.
type InMemoryRepository struct {
	mu   sync.RWMutex
	logs []*Log // append order
	// lastHash survives deletion so the chain keeps linking after retention runs.
	lastHash string
	now      func() time.Time
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{now: time.Now}
}

// Append records an access event.
func (r *InMemoryRepository) Append(ctx context.Context, entry LogEntry) (*Log, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	if entry.Outcome == "" {
		entry.Outcome = OutcomeSuccess
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	l := &Log{
		ID:           uuid.NewString(),
		UserID:       entry.UserID,
		Role:         entry.Role,
		EntityType:   entry.EntityType,
		EntityID:     entry.EntityID,
		Action:       entry.Action,
		Outcome:      entry.Outcome,
		CreatedAt:    r.now().UTC(),
		RequestID:    entry.RequestID,
		IPAddress:    entry.IPAddress,
		UserAgent:    entry.UserAgent,
		PreviousHash: r.lastHash,
	}
	l.Hash = computeHash(l)
	r.lastHash = l.Hash
	r.logs = append(r.logs, l)

	copied := *l
	return &copied, nil
}

// QueryByEntity retrieves logs for an entity, newest first.
func (r *InMemoryRepository) QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Log, error) {
	return r.query(limit, func(l *Log) bool {
		return l.EntityType == entityType && l.EntityID == entityID
	}), nil
}

// QueryByUser retrieves logs for a user, newest first.
func (r *InMemoryRepository) QueryByUser(ctx context.Context, userID string, limit int) ([]*Log, error) {
	return r.query(limit, func(l *Log) bool { return l.UserID == userID }), nil
}

// All returns every stored entry in append order.
func (r *InMemoryRepository) All() []*Log {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Log, 0, len(r.logs))
	for _, l := range r.logs {
		copied := *l
		out = append(out, &copied)
	}
	return out
}

// AnonymizeBefore anonymizes IP addresses of entries created before cutoff.
func (r *InMemoryRepository) AnonymizeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, l := range r.logs {
		if !l.CreatedAt.Before(cutoff) || l.IPAddress == "" {
			continue
		}
		if anon := AnonymizeIP(l.IPAddress); anon != l.IPAddress {
			l.IPAddress = anon
			n++
		}
	}
	return n, nil
}

// DeleteBefore removes entries created before cutoff.
func (r *InMemoryRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.logs[:0]
	for _, l := range r.logs {
		if !l.CreatedAt.Before(cutoff) {
			kept = append(kept, l)
		}
	}
	deleted := len(r.logs) - len(kept)
	clear(r.logs[len(kept):])
	r.logs = kept
	return deleted, nil
}

func (r *InMemoryRepository) query(limit int, match func(*Log) bool) []*Log {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]*Log, 0)
	for i := len(r.logs) - 1; i >= 0; i-- {
		if !match(r.logs[i]) {
			continue
		}
		copied := *r.logs[i]
		results = append(results, &copied)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results
}
