package store

import (
	"testing"
	"time"

	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Connect(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_InsertMapUpdateAndRange(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.InsertMapUpdate(mapdata.MapUpdateGeometry, []byte("a"))
	require.NoError(t, err)
	id2, err := s.InsertMapUpdate(mapdata.MapUpdateTag, []byte("b"))
	require.NoError(t, err)

	newest, err := s.NewestMapUpdateID()
	require.NoError(t, err)
	assert.Equal(t, id2, newest)

	updates, err := s.UpdatesInRange(id1-1, id2)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, mapdata.MapUpdateGeometry, updates[0].Kind)
	assert.Equal(t, mapdata.MapUpdateTag, updates[1].Kind)
}

func TestStore_OneRunningRowPerJobType(t *testing.T) {
	s := openTestStore(t)
	id, err := s.InsertMapUpdate(mapdata.MapUpdateGeometry, nil)
	require.NoError(t, err)

	ok, err := s.TryInsertRunning("render", id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryInsertRunning("render", id)
	require.NoError(t, err)
	assert.False(t, ok, "a second RUNNING row for the same job type must be rejected")

	require.NoError(t, s.FinishJob("render", mapdata.JobSuccess))

	last, err := s.LastOK("render")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, mapdata.JobSuccess, last.Status)
	require.NotNil(t, last.EndedAt)

	ok, err = s.TryInsertRunning("render", id)
	require.NoError(t, err)
	assert.True(t, ok, "a finished job frees the unique-running slot")
}

func TestStore_ReassignTimeout(t *testing.T) {
	s := openTestStore(t)
	id, err := s.InsertMapUpdate(mapdata.MapUpdateGeometry, nil)
	require.NoError(t, err)

	ok, err := s.TryInsertRunning("altitude", id)
	require.NoError(t, err)
	require.True(t, ok)

	acquired, job, err := s.TryLockRunning("altitude")
	require.NoError(t, err)
	assert.False(t, acquired, "a fresh RUNNING row is still within the liveness window")
	require.NotNil(t, job)

	require.NoError(t, s.ReassignTimeout("altitude"))

	last, err := s.LastOK("altitude")
	require.NoError(t, err)
	assert.Nil(t, last, "TIMEOUT is not a success/skipped terminal state")

	ok, err = s.TryInsertRunning("altitude", id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_BulkUpsertInsertsThenUpdates(t *testing.T) {
	s := openTestStore(t)
	id, err := s.InsertMapUpdate(mapdata.MapUpdateGeometry, nil)
	require.NoError(t, err)

	level := mapdata.ID(7)
	require.NoError(t, s.BulkUpsert(id, []Entity{
		{ID: 1, Kind: "space", LevelID: &level, Attrs: map[string]interface{}{"name": "Atrium"}},
	}))
	require.NoError(t, s.BulkUpsert(id, []Entity{
		{ID: 1, Kind: "space", LevelID: &level, Attrs: map[string]interface{}{"name": "Great Atrium"}},
	}))

	var attrs string
	require.NoError(t, s.db.Get(&attrs, `SELECT attrs FROM entity WHERE id = 1`))
	assert.Contains(t, attrs, "Great Atrium")
}

func TestStore_ReplayChangesetCreateUpdateDelete(t *testing.T) {
	s := openTestStore(t)
	id, err := s.InsertMapUpdate(mapdata.MapUpdateGeometry, nil)
	require.NoError(t, err)

	err = s.ReplayChangeset(id, []Op{
		{Kind: OpCreate, EntityID: 10, Kind_: "door", Attrs: map[string]interface{}{"width": 1.2}},
		{Kind: OpUpdate, EntityID: 10, Field: "width", Value: 1.5},
	})
	require.NoError(t, err)

	var attrs string
	require.NoError(t, s.db.Get(&attrs, `SELECT attrs FROM entity WHERE id = 10`))
	assert.Contains(t, attrs, "1.5")

	require.NoError(t, s.ReplayChangeset(id, []Op{{Kind: OpDelete, EntityID: 10}}))
	var deleted bool
	require.NoError(t, s.db.Get(&deleted, `SELECT deleted FROM entity WHERE id = 10`))
	assert.True(t, deleted)
}

func TestStore_ReplayChangesetM2M(t *testing.T) {
	s := openTestStore(t)
	id, err := s.InsertMapUpdate(mapdata.MapUpdateGeometry, nil)
	require.NoError(t, err)

	require.NoError(t, s.ReplayChangeset(id, []Op{
		{Kind: OpCreate, EntityID: 1, Kind_: "location_group", Attrs: map[string]interface{}{}},
		{Kind: OpCreate, EntityID: 2, Kind_: "space", Attrs: map[string]interface{}{}},
		{Kind: OpM2MAdd, EntityID: 2, Field: "groups", Related: 1},
	}))

	var count int
	require.NoError(t, s.db.Get(&count, `SELECT COUNT(*) FROM entity_relation WHERE entity_id = 2 AND field = 'groups'`))
	assert.Equal(t, 1, count)

	require.NoError(t, s.ReplayChangeset(id, []Op{{Kind: OpM2MClear, EntityID: 2, Field: "groups"}}))
	require.NoError(t, s.db.Get(&count, `SELECT COUNT(*) FROM entity_relation WHERE entity_id = 2 AND field = 'groups'`))
	assert.Equal(t, 0, count)
}

func TestMapUpdateLock_FIFOOrdering(t *testing.T) {
	lock := NewMapUpdateLock()
	var order []int
	done := make(chan struct{})

	lock.Acquire() // main goroutine holds the lock first

	go func() {
		lock.Acquire()
		order = append(order, 1)
		lock.Release()
		done <- struct{}{}
	}()
	time.Sleep(20 * time.Millisecond) // let goroutine 1 queue before goroutine 2 does

	go func() {
		lock.Acquire()
		order = append(order, 2)
		lock.Release()
		done <- struct{}{}
	}()
	time.Sleep(20 * time.Millisecond)

	lock.Release()
	<-done
	<-done

	assert.Equal(t, []int{1, 2}, order)
}
