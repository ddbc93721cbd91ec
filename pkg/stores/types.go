package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrLocked is returned when another agent holds the state lock.
var ErrLocked = errors.New("state lock is held by another process")

// RunStatus represents the status of an agent run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is one evaluation of the bundle sequence.
type Run struct {
	ID          string     `json:"id"`
	Status      RunStatus  `json:"status"`
	Policy      string     `json:"policy"` // comma separated bundle sequence
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Kept        int        `json:"kept"`
	Repaired    int        `json:"repaired"`
	NotKept     int        `json:"not_kept"`
	Failed      int        `json:"failed"`
	Denied      int        `json:"denied"`
	Metadata    string     `json:"metadata"` // JSON blob
}

// PersistPolicy controls what happens when a persistent class is defined
// again before it expires.
type PersistPolicy string

const (
	// PersistReset restarts the timer.
	PersistReset PersistPolicy = "reset"
	// PersistPreserve keeps the original expiry.
	PersistPreserve PersistPolicy = "preserve"
)

// PersistentClass is a soft class that survives across runs until it
// expires.
type PersistentClass struct {
	Name      string        `json:"name"` // qualified, ns:name outside the default namespace
	Tags      string        `json:"tags"` // comma separated
	Policy    PersistPolicy `json:"policy"`
	SetAt     time.Time     `json:"set_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Expired reports whether the class has expired at now.
func (c *PersistentClass) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// PromiseLock records the last evaluation of a promise instance. It drives
// ifelapsed throttling.
type PromiseLock struct {
	ID          string    `json:"id"` // instance identity
	PromiseType string    `json:"promise_type"`
	Bundle      string    `json:"bundle"`
	Promiser    string    `json:"promiser"`
	Outcome     string    `json:"outcome"`
	RunID       string    `json:"run_id"`
	LastRunAt   time.Time `json:"last_run_at"`
}

// Store defines the interface for the agent state database
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// Persistent class operations
	PutPersistentClass(ctx context.Context, class *PersistentClass) error
	GetPersistentClass(ctx context.Context, name string) (*PersistentClass, error)
	ListPersistentClasses(ctx context.Context, now time.Time) ([]*PersistentClass, error)
	DeletePersistentClass(ctx context.Context, name string) error
	DeleteExpiredClasses(ctx context.Context, now time.Time) (int64, error)
	PurgePersistentClasses(ctx context.Context) (int64, error)

	// Promise lock operations
	GetLock(ctx context.Context, id string) (*PromiseLock, error)
	UpsertLock(ctx context.Context, lock *PromiseLock) error
	PurgeLocks(ctx context.Context) (int64, error)
}
