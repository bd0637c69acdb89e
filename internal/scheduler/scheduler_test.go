package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store used to test scheduling logic without a
// real database; it mirrors the row semantics the real store must provide.
type fakeStore struct {
	mu       sync.Mutex
	jobs     map[string][]mapdata.Job // history, newest last
	running  map[string]*mapdata.Job
	newestID mapdata.ID
	updates  []mapdata.MapUpdate
}

func newFakeStore(newestID mapdata.ID) *fakeStore {
	return &fakeStore{
		jobs:     map[string][]mapdata.Job{},
		running:  map[string]*mapdata.Job{},
		newestID: newestID,
	}
}

func (f *fakeStore) LastOK(jobType string) (*mapdata.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hist := f.jobs[jobType]
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].Status == mapdata.JobSuccess || hist[i].Status == mapdata.JobSkipped {
			j := hist[i]
			return &j, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) NewestMapUpdateID() (mapdata.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newestID, nil
}

func (f *fakeStore) TryInsertRunning(jobType string, mapUpdateID mapdata.ID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[jobType]; ok {
		return false, nil
	}
	f.running[jobType] = &mapdata.Job{JobType: jobType, MapUpdateID: mapUpdateID, Status: mapdata.JobRunning, StartedAt: time.Now()}
	return true, nil
}

func (f *fakeStore) TryLockRunning(jobType string) (bool, *mapdata.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.running[jobType]
	if !ok {
		return false, nil, nil
	}
	return true, j, nil // the fake has no real concurrent owner, so the lock is always free
}

func (f *fakeStore) ReassignTimeout(jobType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.running[jobType]
	if !ok {
		return nil
	}
	j.Status = mapdata.JobTimeout
	f.jobs[jobType] = append(f.jobs[jobType], *j)
	delete(f.running, jobType)
	return nil
}

func (f *fakeStore) FinishJob(jobType string, status mapdata.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.running[jobType]
	if !ok {
		return nil
	}
	j.Status = status
	now := time.Now()
	j.EndedAt = &now
	f.jobs[jobType] = append(f.jobs[jobType], *j)
	delete(f.running, jobType)
	return nil
}

func (f *fakeStore) UpdatesInRange(fromExclusive, toInclusive mapdata.ID) ([]mapdata.MapUpdate, error) {
	var out []mapdata.MapUpdate
	for _, u := range f.updates {
		if u.ID > fromExclusive && u.ID <= toInclusive {
			out = append(out, u)
		}
	}
	return out, nil
}

func jobsAB(run map[string]*int) []JobConfig {
	return []JobConfig{
		{Key: "A", Func: func(ctx context.Context, updates []mapdata.MapUpdate) error {
			*run["A"]++
			return nil
		}},
		{Key: "B", Deps: []string{"A"}, Func: func(ctx context.Context, updates []mapdata.MapUpdate) error {
			*run["B"]++
			return nil
		}},
	}
}

// TestScheduler_S6_DependencyOrderingAndIdempotence is scenario S6: A runs
// for U1, then B runs for U1; sweeping again is a no-op.
func TestScheduler_S6_DependencyOrderingAndIdempotence(t *testing.T) {
	runA, runB := 0, 0
	jobs := jobsAB(map[string]*int{"A": &runA, "B": &runB})

	store := newFakeStore(1)
	store.updates = []mapdata.MapUpdate{{ID: 1, Kind: mapdata.MapUpdateGeometry}}

	sched, err := New(store, jobs)
	require.NoError(t, err)

	results, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, runA)
	assert.Equal(t, 1, runB)
	assert.Equal(t, 0, ExitCode(results))

	results2, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, runA, "A must not re-run: newest_runnable == last_ok")
	assert.Equal(t, 1, runB, "B must not re-run: newest_runnable == last_ok")
	for _, r := range results2 {
		assert.True(t, r.Skipped)
	}
}

// TestScheduler_Invariant5_AtMostOneRunningRow checks that a second
// TryInsertRunning while a job is still RUNNING is rejected.
func TestScheduler_Invariant5_AtMostOneRunningRow(t *testing.T) {
	store := newFakeStore(5)
	ok1, err := store.TryInsertRunning("A", 5)
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := store.TryInsertRunning("A", 5)
	require.NoError(t, err)
	assert.False(t, ok2, "at most one RUNNING row per job at any instant")
}

// TestScheduler_Invariant6_MonotonicSuccess runs the same job across two
// successive map updates and checks mapupdate_id strictly increases.
func TestScheduler_Invariant6_MonotonicSuccess(t *testing.T) {
	run := 0
	jobs := []JobConfig{{Key: "A", Func: func(ctx context.Context, updates []mapdata.MapUpdate) error {
		run++
		return nil
	}}}

	store := newFakeStore(1)
	store.updates = []mapdata.MapUpdate{{ID: 1}}
	sched, err := New(store, jobs)
	require.NoError(t, err)

	_, err = sched.Sweep(context.Background())
	require.NoError(t, err)

	store.newestID = 2
	store.updates = append(store.updates, mapdata.MapUpdate{ID: 2})
	_, err = sched.Sweep(context.Background())
	require.NoError(t, err)

	hist := store.jobs["A"]
	require.Len(t, hist, 2)
	assert.Less(t, hist[0].MapUpdateID, hist[1].MapUpdateID)
}

// TestScheduler_TimeoutReclaim checks a stale RUNNING row is reassigned to
// TIMEOUT and the slot freed for the next sweep.
func TestScheduler_TimeoutReclaim(t *testing.T) {
	store := newFakeStore(1)
	store.updates = []mapdata.MapUpdate{{ID: 1}}
	store.running["A"] = &mapdata.Job{JobType: "A", MapUpdateID: 1, Status: mapdata.JobRunning, StartedAt: time.Now().Add(-20 * time.Second)}

	run := 0
	jobs := []JobConfig{{Key: "A", Func: func(ctx context.Context, updates []mapdata.MapUpdate) error {
		run++
		return nil
	}}}
	sched, err := New(store, jobs)
	require.NoError(t, err)

	results, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Blocked, "first sweep only reclaims the stale row")
	assert.Equal(t, 0, run)

	results2, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, results2[0].Ran, "second sweep finds the slot free and runs")
	assert.Equal(t, 1, run)
}

func TestScheduler_CycleDetected(t *testing.T) {
	jobs := []JobConfig{
		{Key: "A", Deps: []string{"B"}, Func: func(ctx context.Context, u []mapdata.MapUpdate) error { return nil }},
		{Key: "B", Deps: []string{"A"}, Func: func(ctx context.Context, u []mapdata.MapUpdate) error { return nil }},
	}
	_, err := New(newFakeStore(0), jobs)
	require.Error(t, err)
	assert.IsType(t, &CycleError{}, err)
}

func TestScheduler_RunEager(t *testing.T) {
	var order []string
	var mu sync.Mutex
	jobs := []JobConfig{
		{Key: "A", Eager: true, Func: func(ctx context.Context, u []mapdata.MapUpdate) error {
			mu.Lock()
			order = append(order, "A")
			mu.Unlock()
			return nil
		}},
		{Key: "B", Eager: true, Deps: []string{"A"}, Func: func(ctx context.Context, u []mapdata.MapUpdate) error {
			mu.Lock()
			order = append(order, "B")
			mu.Unlock()
			return nil
		}},
		{Key: "C", Func: func(ctx context.Context, u []mapdata.MapUpdate) error {
			mu.Lock()
			order = append(order, "C")
			mu.Unlock()
			return nil
		}},
	}
	sched, err := New(newFakeStore(0), jobs)
	require.NoError(t, err)

	require.NoError(t, sched.RunEager(context.Background(), nil))
	assert.Equal(t, []string{"A", "B"}, order, "only eager jobs run inline, in dependency order")
}
