package repository

import (
	"context"
	"sync"

	"github.com/imyashkale/mcporchestrator/internal/database"
	"github.com/imyashkale/mcporchestrator/internal/models"
)

// CycleRepository defines the interface for cycle history
type CycleRepository interface {
	Save(ctx context.Context, report *models.CycleReport) error
	// Recent returns up to limit reports, newest first
	Recent(ctx context.Context, limit int) ([]*models.CycleReport, error)
}

// dynamoCycleRepository implements CycleRepository using DynamoDB
type dynamoCycleRepository struct {
	db *database.CycleOperations
}

// NewCycleRepository creates a new DynamoDB-backed cycle repository
func NewCycleRepository(db *database.CycleOperations) CycleRepository {
	return &dynamoCycleRepository{
		db: db,
	}
}

// Save stores a cycle report
func (r *dynamoCycleRepository) Save(ctx context.Context, report *models.CycleReport) error {
	return r.db.PutCycle(ctx, report)
}

// Recent returns the newest cycle reports
func (r *dynamoCycleRepository) Recent(ctx context.Context, limit int) ([]*models.CycleReport, error) {
	return r.db.RecentCycles(ctx, limit)
}

// memoryCycleRepository keeps the last N reports in a ring
type memoryCycleRepository struct {
	mu      sync.Mutex
	reports []*models.CycleReport
	next    int
	full    bool
}

// NewMemoryCycleRepository creates a repository holding at most capacity reports
func NewMemoryCycleRepository(capacity int) CycleRepository {
	if capacity < 1 {
		capacity = 1
	}
	return &memoryCycleRepository{
		reports: make([]*models.CycleReport, capacity),
	}
}

// Save stores a cycle report, evicting the oldest when full
func (r *memoryCycleRepository) Save(ctx context.Context, report *models.CycleReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reports[r.next] = report
	r.next = (r.next + 1) % len(r.reports)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// Recent returns the newest cycle reports
func (r *memoryCycleRepository) Recent(ctx context.Context, limit int) ([]*models.CycleReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.reports)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]*models.CycleReport, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.reports)) % len(r.reports)
		out = append(out, r.reports[idx])
	}
	return out, nil
}
