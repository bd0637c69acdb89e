package main

import (
	"encoding/json"
	"fmt"

	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/c3nav/mpc/internal/store"
)

// toAttrs/fromAttrs round-trip a typed domain struct through
// encoding/json into the map[string]interface{} shape store.Entity.Attrs
// uses. orb's Point/Ring/Polygon/MultiPolygon are plain Go slice/array
// types and already marshal through stdlib json with no WKB/geojson layer
// needed, so one json.Marshal+Unmarshal pair covers every mapdata type.
func toAttrs(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromAttrs(m map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// loadKind decodes every non-deleted entity of kind into a slice of T,
// trusting the caller's BulkUpsert/ReplayChangeset to have written the
// whole struct (ID included) into Attrs when it was saved.
func loadKind[T any](s *store.Store, kind string) ([]T, error) {
	rows, err := s.EntitiesByKind(kind)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", kind, err)
	}
	out := make([]T, len(rows))
	for i, r := range rows {
		if err := fromAttrs(r.Attrs, &out[i]); err != nil {
			return nil, fmt.Errorf("decode %s entity %d: %w", kind, r.ID, err)
		}
	}
	return out, nil
}

// entityOf packages a domain struct as a store.Entity of kind, keyed by id
// and (optionally) grouped under levelID for EntitiesByKind filtering.
func entityOf(kind string, id mapdata.ID, levelID *mapdata.ID, v interface{}) (store.Entity, error) {
	attrs, err := toAttrs(v)
	if err != nil {
		return store.Entity{}, fmt.Errorf("encode %s %d: %w", kind, id, err)
	}
	return store.Entity{ID: id, Kind: kind, LevelID: levelID, Attrs: attrs}, nil
}
