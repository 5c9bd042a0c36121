package ledger

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/domain"
)

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.JobRecord
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*domain.JobRecord)}
}

func (m *MemoryStore) Insert(_ context.Context, job *domain.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.sorted()
	out := make([]domain.JobRecord, 0, len(all))
	for _, j := range all {
		if filter.JobType != "" && j.JobType != filter.JobType {
			continue
		}
		if filter.Status != "" && string(j.Status) != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			if j.CreatedAt.After(c.CreatedAt) || (j.CreatedAt.Equal(c.CreatedAt) && j.ID >= c.ID) {
				continue
			}
		}
		out = append(out, *j.Clone())
		if filter.PageSize > 0 && len(out) > filter.PageSize {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Transition(_ context.Context, req TransitionRequest) (*domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[req.ID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if !slices.Contains(req.From, job.Status) {
		return nil, domain.ErrInvalidTransition
	}
	if req.Owner != nil && job.ClaimedBy != *req.Owner {
		return nil, domain.ErrInvalidTransition
	}
	ApplyTransition(job, req)
	return job.Clone(), nil
}

func (m *MemoryStore) Claim(_ context.Context, req ClaimRequest) (*domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[req.ID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil, domain.ErrInvalidTransition
	}
	if !Claimable(job, req) {
		return nil, domain.ErrJobClaimed
	}
	ApplyClaim(job, req)
	return job.Clone(), nil
}

func (m *MemoryStore) Heartbeat(_ context.Context, id, owner string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if owner == "" || job.ClaimedBy != owner {
		return domain.ErrJobClaimed
	}
	job.LastHeartbeat = &at
	return nil
}

func (m *MemoryStore) Release(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if owner != "" && job.ClaimedBy == owner {
		job.ClaimedBy = ""
		job.LastHeartbeat = nil
	}
	return nil
}

func (m *MemoryStore) SaveProgress(_ context.Context, job *domain.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[job.ID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if !CanSaveProgress(stored, job) {
		return domain.ErrInvalidTransition
	}
	if stored.ClaimedBy != "" {
		at := job.UpdatedAt
		stored.LastHeartbeat = &at
	}
	stored.ProcessedItems = job.ProcessedItems
	stored.FailedItems = job.FailedItems
	stored.ProgressPercentage = job.ProgressPercentage
	stored.EstimatedCompletion = job.Clone().EstimatedCompletion
	stored.ErrorLog = append(domain.ErrorLog(nil), job.ErrorLog...)
	stored.UpdatedAt = job.UpdatedAt
	return nil
}

func (m *MemoryStore) Active(_ context.Context, jobType string) (*domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.sorted() {
		if j.JobType == jobType && (j.Status == domain.JobStatusRunning || j.Status == domain.JobStatusPaused) {
			return j.Clone(), nil
		}
	}
	return nil, domain.ErrJobNotFound
}

func (m *MemoryStore) Latest(_ context.Context, jobType string) (*domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.sorted() {
		if j.JobType == jobType {
			return j.Clone(), nil
		}
	}
	return nil, domain.ErrJobNotFound
}

// sorted returns jobs newest first
func (m *MemoryStore) sorted() []*domain.JobRecord {
	out := make([]*domain.JobRecord, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID > out[k].ID
	})
	return out
}
