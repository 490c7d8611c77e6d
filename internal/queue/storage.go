package queue

// StorageBackend defines the interface for job storage implementations.
// The manager holds the locking discipline; backends only need to be
// individually consistent per call.
type StorageBackend interface {
	// Store persists a new job
	Store(job Job) error

	// Retrieve returns the job with the given id, or ErrJobNotFound
	Retrieve(id string) (Job, error)

	// Update overwrites an existing job
	Update(job Job) error

	// Delete removes a job. Deleting an unknown id returns ErrJobNotFound.
	Delete(id string) error

	// List returns every stored job in unspecified order
	List() ([]Job, error)

	// Close releases backend resources
	Close() error
}
