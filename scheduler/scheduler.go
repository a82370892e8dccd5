// Package scheduler implements the persistent queue of retryable tasks
// that drives every operation forward. It is single threaded and
// cooperative: Run executes one tick, advancing every task whose
// ExecuteAfter has elapsed, and returns.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/MixinNetwork/mixin/logger"
	_ "github.com/mattn/go-sqlite3"
)

// RetryPolicy bounds how many times a failed task is rescheduled.
type RetryPolicy struct {
	Kind  RetryKind
	Count uint32 // meaningful only when Kind == RetryFinite
}

type RetryKind byte

const (
	RetryNone RetryKind = iota
	RetryFinite
	RetryInfinite
)

func NoRetry() RetryPolicy      { return RetryPolicy{Kind: RetryNone} }
func FiniteRetry(n uint32) RetryPolicy { return RetryPolicy{Kind: RetryFinite, Count: n} }
func InfiniteRetry() RetryPolicy { return RetryPolicy{Kind: RetryInfinite} }

func (p RetryPolicy) hasBudget(triesUsed uint32) bool {
	switch p.Kind {
	case RetryNone:
		return false
	case RetryInfinite:
		return true
	case RetryFinite:
		return triesUsed < p.Count
	default:
		panic(p.Kind)
	}
}

// BackoffPolicy computes the delay before a task's next attempt.
type BackoffPolicy struct {
	Kind       BackoffKind
	Secs       uint64
	Multiplier float64 // meaningful only when Kind == BackoffExponential
}

type BackoffKind byte

const (
	BackoffFixed BackoffKind = iota
	BackoffExponential
)

func FixedBackoff(secs uint64) BackoffPolicy {
	return BackoffPolicy{Kind: BackoffFixed, Secs: secs}
}

func ExponentialBackoff(secs uint64, multiplier float64) BackoffPolicy {
	return BackoffPolicy{Kind: BackoffExponential, Secs: secs, Multiplier: multiplier}
}

func (b BackoffPolicy) delay(attempt uint32) time.Duration {
	switch b.Kind {
	case BackoffFixed:
		return time.Duration(b.Secs) * time.Second
	case BackoffExponential:
		secs := float64(b.Secs)
		for i := uint32(0); i < attempt; i++ {
			secs *= b.Multiplier
		}
		return time.Duration(secs) * time.Second
	default:
		panic(b.Kind)
	}
}

// TaskOptions is attached to a task at enqueue time and copied onto every
// operation that asks the scheduler to keep driving it automatically.
type TaskOptions struct {
	Retry        RetryPolicy
	Backoff      BackoffPolicy
	ExecuteAfter time.Time
}

// Status is the lifecycle of one queued task.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusTimeoutOrPanic  Status = "timeout_or_panic"
)

// Task is one unit of retryable work. Payload is opaque to the scheduler;
// Kind selects the Runner registered for it.
type Task struct {
	ID           uint32
	Kind         string
	Payload      []byte
	Status       Status
	TriesUsed    uint32
	Options      TaskOptions
	NextRunAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Runner executes one task's payload. Returning an error while retry
// budget remains puts the task back to Pending, rescheduled with the
// current backoff; once the budget is spent the task is marked Failed and
// CompletionFunc (if any) is invoked.
type Runner func(ctx context.Context, payload []byte) error

// CompletionFunc is invoked once a failing task exhausts its retry budget,
// or immediately when its Runner panics (a panicked task is not retried).
type CompletionFunc func(ctx context.Context, task Task, lastErr error)

// Scheduler is a SQLite3Store-backed task queue, following the
// SQLite3Store{db, mutex} shape used throughout keeper/store and
// observer/accountant.go.
type Scheduler struct {
	mutex *sync.Mutex
	db    *sql.DB

	runners    map[string]Runner
	onComplete map[string]CompletionFunc
}

func Open(path string) (*Scheduler, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("scheduler.Open(%s) => %w", path, err)
	}
	s := &Scheduler{
		mutex:      new(sync.Mutex),
		db:         db,
		runners:    make(map[string]Runner),
		onComplete: make(map[string]CompletionFunc),
	}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tasks (
	task_id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	status TEXT NOT NULL,
	tries_used INTEGER NOT NULL DEFAULT 0,
	retry_kind INTEGER NOT NULL,
	retry_count INTEGER NOT NULL,
	backoff_kind INTEGER NOT NULL,
	backoff_secs INTEGER NOT NULL,
	backoff_multiplier REAL NOT NULL,
	next_run_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_next_run_idx ON tasks(status, next_run_at);
`)
	return err
}

// RegisterRunner binds a Runner to a task kind; call this for every kind
// before the first Run tick, wiring handlers once at node construction
// time.
func (s *Scheduler) RegisterRunner(kind string, run Runner, onComplete CompletionFunc) {
	s.runners[kind] = run
	s.onComplete[kind] = onComplete
}

// Enqueue appends a new task, due at opts.ExecuteAfter (or immediately, if
// zero).
func (s *Scheduler) Enqueue(ctx context.Context, kind string, payload []byte, opts TaskOptions) (uint32, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now().UTC()
	nextRun := opts.ExecuteAfter
	if nextRun.IsZero() {
		nextRun = now
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (kind, payload, status, tries_used, retry_kind, retry_count, backoff_kind, backoff_secs, backoff_multiplier, next_run_at, created_at, updated_at)
VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?)`,
		kind, payload, StatusPending,
		byte(opts.Retry.Kind), opts.Retry.Count,
		byte(opts.Backoff.Kind), opts.Backoff.Secs, opts.Backoff.Multiplier,
		nextRun, now, now)
	if err != nil {
		return 0, fmt.Errorf("scheduler.Enqueue(%s) => %w", kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

// Run scans pending tasks in insertion order and executes those whose
// NextRunAt has elapsed. A task that panics is caught here so its slot is
// marked TimeoutOrPanic and the tick continues.
func (s *Scheduler) Run(ctx context.Context) error {
	due, err := s.duePendingTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range due {
		s.runOne(ctx, t)
	}
	return nil
}

func (s *Scheduler) duePendingTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, kind, payload, status, tries_used, retry_kind, retry_count, backoff_kind, backoff_secs, backoff_multiplier, next_run_at, created_at, updated_at
FROM tasks WHERE status=? AND next_run_at<=? ORDER BY task_id ASC`, StatusPending, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var retryKind, backoffKind byte
		if err := rows.Scan(&t.ID, &t.Kind, &t.Payload, &t.Status, &t.TriesUsed,
			&retryKind, &t.Options.Retry.Count, &backoffKind, &t.Options.Backoff.Secs,
			&t.Options.Backoff.Multiplier, &t.NextRunAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Options.Retry.Kind = RetryKind(retryKind)
		t.Options.Backoff.Kind = BackoffKind(backoffKind)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Scheduler) runOne(ctx context.Context, t Task) {
	run, ok := s.runners[t.Kind]
	if !ok {
		logger.Printf("scheduler.runOne(%d, %s) => no runner registered", t.ID, t.Kind)
		return
	}

	s.markStatus(ctx, t.ID, StatusRunning, t.TriesUsed)

	err := s.execCatchingPanic(ctx, run, t.Payload)
	logger.Verbosef("scheduler.runOne(%d, %s) => %v", t.ID, t.Kind, err)

	switch e := err.(type) {
	case nil:
		s.markStatus(ctx, t.ID, StatusCompleted, t.TriesUsed)
	case panicError:
		s.markStatus(ctx, t.ID, StatusTimeoutOrPanic, t.TriesUsed)
		s.maybeComplete(ctx, t, e)
	default:
		triesUsed := t.TriesUsed + 1
		if t.Options.Retry.hasBudget(t.TriesUsed) {
			s.reschedule(ctx, t.ID, triesUsed, t.Options.Backoff.delay(t.TriesUsed))
		} else {
			s.markStatus(ctx, t.ID, StatusFailed, triesUsed)
			s.maybeComplete(ctx, t, err)
		}
	}
}

type panicError struct{ recovered any }

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.recovered) }

func (s *Scheduler) execCatchingPanic(ctx context.Context, run Runner, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{recovered: r}
		}
	}()
	return run(ctx, payload)
}

func (s *Scheduler) maybeComplete(ctx context.Context, t Task, lastErr error) {
	if cb, ok := s.onComplete[t.Kind]; ok && cb != nil {
		cb(ctx, t, lastErr)
	}
}

func (s *Scheduler) markStatus(ctx context.Context, id uint32, status Status, triesUsed uint32) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status=?, tries_used=?, updated_at=? WHERE task_id=?`,
		status, triesUsed, time.Now().UTC(), id)
	if err != nil {
		logger.Printf("scheduler.markStatus(%d, %s) => %v", id, status, err)
	}
}

func (s *Scheduler) reschedule(ctx context.Context, id uint32, triesUsed uint32, delay time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	next := time.Now().UTC().Add(delay)
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status=?, tries_used=?, next_run_at=?, updated_at=? WHERE task_id=?`,
		StatusPending, triesUsed, next, time.Now().UTC(), id)
	if err != nil {
		logger.Printf("scheduler.reschedule(%d) => %v", id, err)
	}
}

// Close releases the underlying database handle.
func (s *Scheduler) Close() error {
	return s.db.Close()
}
