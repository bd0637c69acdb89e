package store

import (
	"encoding/json"
	"fmt"

	"github.com/c3nav/mpc/internal/mapdata"
	sq "github.com/Masterminds/squirrel"
)

// Entity is one row BulkUpsert writes: an arbitrary domain object (space,
// building, door, …) addressed by a stable primary key.
type Entity struct {
	ID       mapdata.ID
	Kind     string
	LevelID  *mapdata.ID
	Geometry []byte // pre-encoded (e.g. WKB); opaque to this package
	Attrs    map[string]interface{}
}

// BulkUpsert is the Go/sqlite analogue of Django's
// `bulk_create(update_conflicts=True)` (spec.md §6.1): entities are
// inserted by their stable PK, or have their mutable columns replaced in
// place if that PK already exists. All entities are written in a single
// statement via squirrel's multi-row INSERT, then one
// `ON CONFLICT(id) DO UPDATE` clause handles every collision — the
// teacher's jobQuery.go builds equivalent statements with the same
// `sq.Select`/`sq.Insert` builder for its own (read-only) queries.
func (s *Store) BulkUpsert(mapUpdateID mapdata.ID, entities []Entity) error {
	if len(entities) == 0 {
		return nil
	}
	builder := sq.Insert("entity").
		Columns("id", "kind", "level_id", "geometry", "attrs", "deleted", "updated_by_map_update_id")

	for _, e := range entities {
		attrs, err := json.Marshal(e.Attrs)
		if err != nil {
			return fmt.Errorf("store: marshal attrs for entity %d: %w", e.ID, err)
		}
		builder = builder.Values(e.ID, e.Kind, e.LevelID, e.Geometry, attrs, false, mapUpdateID)
	}

	query, args, err := builder.Suffix(`
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			level_id = excluded.level_id,
			geometry = excluded.geometry,
			attrs = excluded.attrs,
			deleted = excluded.deleted,
			updated_by_map_update_id = excluded.updated_by_map_update_id`).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build bulk upsert: %w", err)
	}

	return s.lock.WithLock(func() error {
		_, err := s.db.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("store: bulk upsert: %w", err)
		}
		return nil
	})
}
