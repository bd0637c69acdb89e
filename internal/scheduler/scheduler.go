// Package scheduler is the job scheduler (c3nav spec §4.6, C6): eager jobs
// run inline in the committing transaction's after-commit hook, queued jobs
// run via periodic sweeps that respect a dependency graph and a per-job
// "exactly one RUNNING row" invariant enforced by the store.
//
// The sweep/registration shape follows ClusterCockpit-cc-backend's
// taskManager package: a package-level gocron scheduler, one Register*
// call per job wiring a gocron.DurationJob to a closure, and log.* calls at
// the same points the teacher logs (job start, job done, warnings).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/c3nav/mpc/pkg/log"
	"github.com/go-co-op/gocron/v2"
	"golang.org/x/time/rate"
)

// RunningTimeout is the liveness assumption from spec.md §5: a RUNNING row
// older than this that can be locked is presumed crashed.
const RunningTimeout = 10 * time.Second

// JobFunc executes a job over the updates in (last_ok, newest_runnable].
type JobFunc func(ctx context.Context, updates []mapdata.MapUpdate) error

// JobConfig is one scheduler-registered job (spec.md §4.6: "{ key, title,
// func, eager, deps }").
type JobConfig struct {
	Key   string
	Title string
	Eager bool
	Deps  []string
	Func  JobFunc
}

// Store is the row-locking contract the scheduler needs from the
// authoritative map-data store (spec.md §6.1). internal/store provides the
// sqlx-backed implementation; tests use an in-memory fake.
type Store interface {
	// LastOK returns the newest SUCCESS|SKIPPED row for jobType, or nil if
	// the job has never completed.
	LastOK(jobType string) (*mapdata.Job, error)
	// NewestMapUpdateID returns the id of the most recent committed update.
	NewestMapUpdateID() (mapdata.ID, error)
	// TryInsertRunning atomically inserts a RUNNING row for (jobType,
	// mapUpdateID); it reports false without error if a RUNNING row for
	// jobType already exists (the unique partial index on
	// `(job_type) WHERE status=RUNNING`).
	TryInsertRunning(jobType string, mapUpdateID mapdata.ID) (bool, error)
	// TryLockRunning attempts `SELECT … FOR UPDATE NOWAIT` on jobType's
	// RUNNING row. acquired=false means the row is locked by its owner (the
	// job is still alive); acquired=true with a non-nil job means the lock
	// was free even though the row says RUNNING — its owner crashed.
	TryLockRunning(jobType string) (acquired bool, job *mapdata.Job, err error)
	// ReassignTimeout transitions a locked-but-stale RUNNING row to TIMEOUT.
	ReassignTimeout(jobType string) error
	// FinishJob sets the end timestamp and status on jobType's RUNNING row.
	FinishJob(jobType string, status mapdata.JobStatus) error
	// UpdatesInRange returns updates with id in (fromExclusive, toInclusive].
	UpdatesInRange(fromExclusive, toInclusive mapdata.ID) ([]mapdata.MapUpdate, error)
}

// CycleError reports a dependency cycle found while ordering jobs.
type CycleError struct{ Key string }

func (e *CycleError) Error() string {
	return fmt.Sprintf("scheduler: dependency cycle involving job %q", e.Key)
}

// Scheduler orders and runs JobConfigs against a Store.
type Scheduler struct {
	store   Store
	jobs    map[string]JobConfig
	layers  [][]string // topological layers; jobs within a layer run concurrently
	limiter *rate.Limiter
	gocron  gocron.Scheduler

	mu sync.Mutex // serializes Sweep invocations against this process
}

// New validates the job set (every dep must exist, no cycles) and computes
// its dependency layering.
func New(store Store, jobs []JobConfig) (*Scheduler, error) {
	byKey := make(map[string]JobConfig, len(jobs))
	for _, j := range jobs {
		byKey[j.Key] = j
	}
	for _, j := range jobs {
		for _, d := range j.Deps {
			if _, ok := byKey[d]; !ok {
				return nil, fmt.Errorf("scheduler: job %q depends on unknown job %q", j.Key, d)
			}
		}
	}

	layers, err := layerJobs(byKey)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		store:   store,
		jobs:    byKey,
		layers:  layers,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}, nil
}

// layerJobs computes Kahn's-algorithm topological layers: layer 0 has no
// deps, layer k's jobs depend only on jobs in layers < k.
func layerJobs(byKey map[string]JobConfig) ([][]string, error) {
	remaining := make(map[string][]string, len(byKey))
	for k, j := range byKey {
		remaining[k] = append([]string{}, j.Deps...)
	}

	var layers [][]string
	for len(remaining) > 0 {
		var layer []string
		for k, deps := range remaining {
			if len(deps) == 0 {
				layer = append(layer, k)
			}
		}
		if len(layer) == 0 {
			for k := range remaining {
				return nil, &CycleError{Key: k}
			}
		}
		for _, k := range layer {
			delete(remaining, k)
		}
		for k, deps := range remaining {
			kept := deps[:0]
			for _, d := range deps {
				found := false
				for _, l := range layer {
					if d == l {
						found = true
						break
					}
				}
				if !found {
					kept = append(kept, d)
				}
			}
			remaining[k] = kept
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// RunEager implements spec.md §4.6's eager mode: every job marked eager
// runs synchronously, in topological order, inside the committing
// transaction's after-commit hook.
func (s *Scheduler) RunEager(ctx context.Context, updates []mapdata.MapUpdate) error {
	for _, layer := range s.layers {
		for _, key := range layer {
			job := s.jobs[key]
			if !job.Eager {
				continue
			}
			start := time.Now()
			log.Infof("scheduler: eager job %q running for %d updates", key, len(updates))
			if err := job.Func(ctx, updates); err != nil {
				log.Errorf("scheduler: eager job %q failed: %v", key, err)
				return fmt.Errorf("eager job %q: %w", key, err)
			}
			log.Infof("scheduler: eager job %q done in %s", key, time.Since(start))
		}
	}
	return nil
}

// JobResult is one job's outcome from a single Sweep, used by the CLI
// (spec.md §6.3) to pick an exit code.
type JobResult struct {
	Key     string
	Ran     bool
	Skipped bool // deps not yet satisfied, or already up to date
	Blocked bool // lock contention: another worker holds the RUNNING slot
	Err     error
}

// Sweep implements spec.md §4.6's queued mode: invoked after each commit and
// on periodic ticks, it walks every job in dependency order and, per job,
// either runs it, finds it already up to date, or finds it blocked by lock
// contention (in which case it is left for the next wake-up).
func (s *Scheduler) Sweep(ctx context.Context) ([]JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make(map[string]JobResult, len(s.jobs))
	var resultsMu sync.Mutex

	for _, layer := range s.layers {
		var wg sync.WaitGroup
		for _, key := range layer {
			key := key
			wg.Add(1)
			go func() {
				defer wg.Done()
				r := s.runOne(ctx, key)
				resultsMu.Lock()
				results[key] = r
				resultsMu.Unlock()
			}()
		}
		wg.Wait()
	}

	out := make([]JobResult, 0, len(results))
	for _, layer := range s.layers {
		for _, key := range layer {
			out = append(out, results[key])
		}
	}
	return out, nil
}

// runOne implements one pass of spec.md §4.6's per-job queued-mode steps
// 1-6, plus the timeout-detection reclaim.
func (s *Scheduler) runOne(ctx context.Context, key string) JobResult {
	job := s.jobs[key]

	lastOK, err := s.store.LastOK(key)
	if err != nil {
		return JobResult{Key: key, Err: fmt.Errorf("last ok for %q: %w", key, err)}
	}

	newestRunnable, ready, err := s.newestRunnable(job)
	if err != nil {
		return JobResult{Key: key, Err: fmt.Errorf("newest runnable for %q: %w", key, err)}
	}
	if !ready {
		return JobResult{Key: key, Skipped: true}
	}
	if lastOK != nil && newestRunnable <= lastOK.MapUpdateID {
		return JobResult{Key: key, Skipped: true}
	}

	if ctx.Err() != nil {
		// Cancellation before acquiring the row: the queued attempt is
		// simply dropped, per spec.md §4.6.
		return JobResult{Key: key, Skipped: true}
	}

	inserted, err := s.store.TryInsertRunning(key, newestRunnable)
	if err != nil {
		return JobResult{Key: key, Err: fmt.Errorf("insert running for %q: %w", key, err)}
	}
	if !inserted {
		if err := s.reclaimIfCrashed(key); err != nil {
			log.Warnf("scheduler: job %q timeout reclaim failed: %v", key, err)
		}
		return JobResult{Key: key, Blocked: true}
	}

	fromExclusive := mapdata.ID(0)
	if lastOK != nil {
		fromExclusive = lastOK.MapUpdateID
	}
	updates, err := s.store.UpdatesInRange(fromExclusive, newestRunnable)
	if err != nil {
		_ = s.store.FinishJob(key, mapdata.JobFailed)
		return JobResult{Key: key, Err: fmt.Errorf("updates in range for %q: %w", key, err)}
	}

	log.Infof("scheduler: job %q running for updates (%d, %d]", key, fromExclusive, newestRunnable)
	runErr := job.Func(ctx, updates)
	status := mapdata.JobSuccess
	if runErr != nil {
		status = mapdata.JobFailed
		log.Errorf("scheduler: job %q failed: %v", key, runErr)
	}
	if err := s.store.FinishJob(key, status); err != nil {
		log.Warnf("scheduler: job %q finish write failed: %v", key, err)
	}

	return JobResult{Key: key, Ran: true, Err: runErr}
}

// newestRunnable implements spec.md §4.6 step 2: a job with no deps is
// runnable through the newest map update; a job with deps is runnable only
// through the minimum of its dependencies' last-ok ids, and only once every
// dependency has completed at least once.
func (s *Scheduler) newestRunnable(job JobConfig) (mapdata.ID, bool, error) {
	if len(job.Deps) == 0 {
		id, err := s.store.NewestMapUpdateID()
		return id, true, err
	}

	var min mapdata.ID = -1
	for _, dep := range job.Deps {
		depOK, err := s.store.LastOK(dep)
		if err != nil {
			return 0, false, err
		}
		if depOK == nil {
			return 0, false, nil // a dependency has never succeeded yet
		}
		if min == -1 || depOK.MapUpdateID < min {
			min = depOK.MapUpdateID
		}
	}
	return min, true, nil
}

// reclaimIfCrashed implements spec.md §4.6's timeout detection: a RUNNING
// row older than RunningTimeout that *can* be locked belongs to a crashed
// worker and is reassigned to TIMEOUT, freeing the slot for the next sweep.
func (s *Scheduler) reclaimIfCrashed(jobType string) error {
	acquired, job, err := s.store.TryLockRunning(jobType)
	if err != nil {
		return err
	}
	if !acquired || job == nil {
		return nil // NOWAIT returned LOCKED: the owner is still alive
	}
	if time.Since(job.StartedAt) < RunningTimeout {
		return nil
	}
	log.Warnf("scheduler: job %q RUNNING row stale since %s, reassigning to TIMEOUT", jobType, job.StartedAt)
	return s.store.ReassignTimeout(jobType)
}

// StartPeriodicSweeps registers a gocron job that calls Sweep on interval,
// the periodic half of spec.md §4.6's "invoked after each commit and for
// periodic sweeps".
func (s *Scheduler) StartPeriodicSweeps(interval time.Duration) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("scheduler: creating gocron scheduler: %w", err)
	}
	s.gocron = sched

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := s.Sweep(context.Background()); err != nil {
				log.Errorf("scheduler: periodic sweep failed: %v", err)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("scheduler: registering periodic sweep: %w", err)
	}

	sched.Start()
	return nil
}

// Shutdown stops the periodic sweep scheduler, if running.
func (s *Scheduler) Shutdown() error {
	if s.gocron == nil {
		return nil
	}
	return s.gocron.Shutdown()
}

// NotifyCommit is called after every map-update commit; it throttles bursts
// of commits down to at most one sweep per second via the limiter. A commit
// the limiter denies starts no sweep of its own; its updates are picked up
// by the next sweep that runs.
func (s *Scheduler) NotifyCommit(ctx context.Context) {
	if !s.limiter.Allow() {
		return
	}
	go func() {
		if _, err := s.Sweep(ctx); err != nil {
			log.Errorf("scheduler: commit-triggered sweep failed: %v", err)
		}
	}()
}

// ExitCode maps a Sweep result set to the CLI exit codes named in spec.md
// §6.3: 0 success, 1 dependency/job failure, 2 lock contention only.
func ExitCode(results []JobResult) int {
	anyFailed := false
	anyBlocked := false
	for _, r := range results {
		if r.Err != nil {
			anyFailed = true
		}
		if r.Blocked {
			anyBlocked = true
		}
	}
	switch {
	case anyFailed:
		return 1
	case anyBlocked:
		return 2
	default:
		return 0
	}
}
