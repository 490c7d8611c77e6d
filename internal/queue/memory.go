package queue

import (
	"sync"
)

// MemoryStorage is the default job store: a mutex-guarded map. Jobs do
// not survive a restart; use the sqlite journal where that matters.
type MemoryStorage struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewMemoryStorage creates an empty in-memory job store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{jobs: make(map[string]Job)}
}

// Store implements StorageBackend
func (s *MemoryStorage) Store(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// Retrieve implements StorageBackend
func (s *MemoryStorage) Retrieve(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

// Update implements StorageBackend
func (s *MemoryStorage) Update(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = job
	return nil
}

// Delete implements StorageBackend
func (s *MemoryStorage) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// List implements StorageBackend
func (s *MemoryStorage) List() ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Close implements StorageBackend
func (s *MemoryStorage) Close() error {
	return nil
}
