package assessment

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// List limits applied by every repository.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Repository defines the interface for assessment record storage.
type Repository interface {
	// Create validates rec, assigns its ID, score and creation time, and stores it.
	// rec is updated in place with the stored values.
	Create(ctx context.Context, rec *Record) error

	// GetByID retrieves a record. Returns ErrRecordNotFound when absent.
	GetByID(ctx context.Context, id string) (*Record, error)

	// ListByStudent returns a student's records, most recently completed first.
	ListByStudent(ctx context.Context, studentID string, limit int) ([]*Record, error)

	// ListByRoom returns the records taken in a room, most recently completed first.
	ListByRoom(ctx context.Context, roomID string, limit int) ([]*Record, error)

	// Delete removes a record. Returns ErrRecordNotFound when absent.
	Delete(ctx context.Context, id string) error
}

// clampLimit maps a requested limit onto [1, MaxListLimit], with 0 meaning the default.
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used when no database is configured, and in tests.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
	newID   func() string
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		records: make(map[string]*Record),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Create stores a new record.
func (r *InMemoryRepository) Create(ctx context.Context, rec *Record) error {
	if err := prepare(rec, r.now(), r.newID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[rec.ID]; exists {
		return ErrDuplicateRecord
	}
	r.records[rec.ID] = clone(rec)
	return nil
}

// GetByID retrieves a record by its ID.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return clone(rec), nil
}

// ListByStudent returns a student's records, most recently completed first.
func (r *InMemoryRepository) ListByStudent(ctx context.Context, studentID string, limit int) ([]*Record, error) {
	return r.list(limit, func(rec *Record) bool { return rec.StudentID == studentID }), nil
}

// ListByRoom returns the records taken in a room, most recently completed first.
func (r *InMemoryRepository) ListByRoom(ctx context.Context, roomID string, limit int) ([]*Record, error) {
	return r.list(limit, func(rec *Record) bool { return rec.RoomID == roomID }), nil
}

// Delete removes a record by its ID.
func (r *InMemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return ErrRecordNotFound
	}
	delete(r.records, id)
	return nil
}

func (r *InMemoryRepository) list(limit int, match func(*Record) bool) []*Record {
	r.mu.RLock()
	out := make([]*Record, 0)
	for _, rec := range r.records {
		if match(rec) {
			out = append(out, clone(rec))
		}
	}
	r.mu.RUnlock()

	// Same ordering as the Postgres query: completed_at DESC, id.
	slices.SortFunc(out, func(a, b *Record) int {
		if c := b.CompletedAt.Compare(a.CompletedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}
