package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/c3nav/mpc/internal/mapdata"
)

// runningTimeout mirrors internal/scheduler.RunningTimeout (spec.md §5's
// "a RUNNING row older than this is presumed crashed" liveness
// assumption); duplicated as a constant here rather than imported so this
// package has no dependency on the scheduler package — the Store
// interface is satisfied structurally.
const runningTimeout = 10 * time.Second

// LastOK returns the newest SUCCESS or SKIPPED row for jobType, or nil if
// the job has never completed (satisfies internal/scheduler.Store).
func (s *Store) LastOK(jobType string) (*mapdata.Job, error) {
	var row jobRow
	err := s.db.Get(&row, `
		SELECT job_type, map_update_id, status, started_at, ended_at
		FROM job
		WHERE job_type = ? AND status IN (?, ?)
		ORDER BY ended_at DESC LIMIT 1`,
		jobType, string(mapdata.JobSuccess), string(mapdata.JobSkipped))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: LastOK(%s): %w", jobType, err)
	}
	job := row.toJob()
	return &job, nil
}

// NewestMapUpdateID returns the id of the most recently inserted
// map_update row.
func (s *Store) NewestMapUpdateID() (mapdata.ID, error) {
	var id sql.NullInt64
	if err := s.db.Get(&id, `SELECT MAX(id) FROM map_update`); err != nil {
		return 0, fmt.Errorf("store: NewestMapUpdateID: %w", err)
	}
	return mapdata.ID(id.Int64), nil
}

// TryInsertRunning attempts to insert a RUNNING row for jobType, relying
// on idx_job_one_running to reject a second concurrent attempt.
func (s *Store) TryInsertRunning(jobType string, mapUpdateID mapdata.ID) (bool, error) {
	_, err := s.db.Exec(`
		INSERT INTO job (job_type, map_update_id, status, started_at)
		VALUES (?, ?, ?, ?)`,
		jobType, mapUpdateID, string(mapdata.JobRunning), time.Now())
	if err == nil {
		return true, nil
	}
	if isUniqueConstraintErr(err) {
		return false, nil
	}
	return false, fmt.Errorf("store: TryInsertRunning(%s): %w", jobType, err)
}

// TryLockRunning emulates `SELECT … FOR UPDATE NOWAIT` on jobType's
// RUNNING row using a sqlite-appropriate substitute: sqlite has no row
// locks, so liveness is instead judged purely by RunningTimeout — a
// RUNNING row older than the timeout is presumed abandoned and
// acquired=true is returned; otherwise acquired=false (still owned).
func (s *Store) TryLockRunning(jobType string) (bool, *mapdata.Job, error) {
	var row jobRow
	err := s.db.Get(&row, `
		SELECT job_type, map_update_id, status, started_at, ended_at
		FROM job WHERE job_type = ? AND status = ?
		ORDER BY started_at DESC LIMIT 1`, jobType, string(mapdata.JobRunning))
	if err == sql.ErrNoRows {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("store: TryLockRunning(%s): %w", jobType, err)
	}
	job := row.toJob()
	if time.Since(job.StartedAt) < runningTimeout {
		return false, &job, nil
	}
	return true, &job, nil
}

// ReassignTimeout transitions jobType's stale RUNNING row to TIMEOUT.
func (s *Store) ReassignTimeout(jobType string) error {
	_, err := s.db.Exec(`
		UPDATE job SET status = ?, ended_at = ?
		WHERE job_type = ? AND status = ?`,
		string(mapdata.JobTimeout), time.Now(), jobType, string(mapdata.JobRunning))
	if err != nil {
		return fmt.Errorf("store: ReassignTimeout(%s): %w", jobType, err)
	}
	return nil
}

// FinishJob sets jobType's RUNNING row's end timestamp and terminal status.
func (s *Store) FinishJob(jobType string, status mapdata.JobStatus) error {
	_, err := s.db.Exec(`
		UPDATE job SET status = ?, ended_at = ?
		WHERE job_type = ? AND status = ?`,
		string(status), time.Now(), jobType, string(mapdata.JobRunning))
	if err != nil {
		return fmt.Errorf("store: FinishJob(%s): %w", jobType, err)
	}
	return nil
}

// UpdatesInRange returns map updates with id in (fromExclusive, toInclusive].
func (s *Store) UpdatesInRange(fromExclusive, toInclusive mapdata.ID) ([]mapdata.MapUpdate, error) {
	var rows []mapUpdateRow
	err := s.db.Select(&rows, `
		SELECT id, kind, timestamp, payload FROM map_update
		WHERE id > ? AND id <= ? ORDER BY id ASC`, fromExclusive, toInclusive)
	if err != nil {
		return nil, fmt.Errorf("store: UpdatesInRange: %w", err)
	}
	out := make([]mapdata.MapUpdate, len(rows))
	for i, r := range rows {
		out[i] = r.toMapUpdate()
	}
	return out, nil
}

// InsertMapUpdate appends one entry to the MapUpdate log and returns its
// assigned id, under the FIFO commit lock.
func (s *Store) InsertMapUpdate(kind mapdata.MapUpdateKind, payload []byte) (mapdata.ID, error) {
	var id mapdata.ID
	err := s.lock.WithLock(func() error {
		res, err := s.db.Exec(`INSERT INTO map_update (kind, timestamp, payload) VALUES (?, ?, ?)`,
			string(kind), time.Now(), payload)
		if err != nil {
			return fmt.Errorf("store: InsertMapUpdate: %w", err)
		}
		lastID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("store: InsertMapUpdate last insert id: %w", err)
		}
		id = mapdata.ID(lastID)
		return nil
	})
	return id, err
}

type jobRow struct {
	JobType     string       `db:"job_type"`
	MapUpdateID int64        `db:"map_update_id"`
	Status      string       `db:"status"`
	StartedAt   time.Time    `db:"started_at"`
	EndedAt     sql.NullTime `db:"ended_at"`
}

func (r jobRow) toJob() mapdata.Job {
	job := mapdata.Job{
		JobType:     r.JobType,
		MapUpdateID: mapdata.ID(r.MapUpdateID),
		Status:      mapdata.JobStatus(r.Status),
		StartedAt:   r.StartedAt,
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time
		job.EndedAt = &t
	}
	return job
}

type mapUpdateRow struct {
	ID        int64     `db:"id"`
	Kind      string    `db:"kind"`
	Timestamp time.Time `db:"timestamp"`
	Payload   []byte    `db:"payload"`
}

func (r mapUpdateRow) toMapUpdate() mapdata.MapUpdate {
	return mapdata.MapUpdate{
		ID:        mapdata.ID(r.ID),
		Kind:      mapdata.MapUpdateKind(r.Kind),
		Timestamp: r.Timestamp,
		Payload:   r.Payload,
	}
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
