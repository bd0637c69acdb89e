package store

import (
	"encoding/json"
	"fmt"

	"github.com/c3nav/mpc/internal/mapdata"
)

// EntitiesByKind returns every non-deleted entity of the given kind,
// ordered by id ascending (insertion order, not recency — BulkUpsert does
// not bump id on update). Job funcs in cmd/mpc use this to pull one domain
// type (spaces, buildings, location tags, …) at a time out of the generic
// entity table.
func (s *Store) EntitiesByKind(kind string) ([]Entity, error) {
	var rows []entityRow
	err := s.db.Select(&rows, `
		SELECT id, kind, level_id, geometry, attrs FROM entity
		WHERE kind = ? AND deleted = 0 ORDER BY id ASC`, kind)
	if err != nil {
		return nil, fmt.Errorf("store: EntitiesByKind(%s): %w", kind, err)
	}
	out := make([]Entity, len(rows))
	for i, r := range rows {
		e := Entity{ID: mapdata.ID(r.ID), Kind: r.Kind, Geometry: r.Geometry}
		if r.LevelID != nil {
			lvl := mapdata.ID(*r.LevelID)
			e.LevelID = &lvl
		}
		if len(r.Attrs) > 0 {
			if err := json.Unmarshal(r.Attrs, &e.Attrs); err != nil {
				return nil, fmt.Errorf("store: decode attrs for entity %d: %w", r.ID, err)
			}
		}
		out[i] = e
	}
	return out, nil
}

// RelatedIDs returns the related_id column of every entity_relation row
// for (entityID, field) — the M2M read side of the Op model.
func (s *Store) RelatedIDs(entityID mapdata.ID, field string) ([]mapdata.ID, error) {
	var ids []int64
	err := s.db.Select(&ids, `SELECT related_id FROM entity_relation WHERE entity_id = ? AND field = ?`, entityID, field)
	if err != nil {
		return nil, fmt.Errorf("store: RelatedIDs(%d, %s): %w", entityID, field, err)
	}
	out := make([]mapdata.ID, len(ids))
	for i, id := range ids {
		out[i] = mapdata.ID(id)
	}
	return out, nil
}

type entityRow struct {
	ID       int64   `db:"id"`
	Kind     string  `db:"kind"`
	LevelID  *int64  `db:"level_id"`
	Geometry []byte  `db:"geometry"`
	Attrs    []byte  `db:"attrs"`
}
