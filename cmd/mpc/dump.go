package main

import (
	"encoding/json"

	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/c3nav/mpc/internal/store"
)

// entityDump is the JSON-file shape dumpmap/loadmap exchange: the
// entities of one kind, grouped so loadmap can BulkUpsert each group in
// one call.
type entityDump struct {
	Kind     string         `json:"kind"`
	Entities []store.Entity `json:"entities"`
}

// knownKinds enumerates the entity kinds dumpmap writes, in this order, so
// parents (levels, spaces) come before children that reference them via
// LevelID; entities of any other kind are not dumped. loadmap upserts the
// groups in the order the file lists them.
var knownKinds = []string{
	"level", "building", "door", "space",
	"column", "hole", "obstacle", "line_obstacle", "stairs", "ramp",
	"altitude_marker", "area", "location_tag", "locator_peer", "fingerprint",
	"altitude_area",
}

func dumpAllEntities(s *store.Store) ([]entityDump, error) {
	dumps := make([]entityDump, 0, len(knownKinds))
	for _, kind := range knownKinds {
		entities, err := s.EntitiesByKind(kind)
		if err != nil {
			return nil, err
		}
		if len(entities) == 0 {
			continue
		}
		dumps = append(dumps, entityDump{Kind: kind, Entities: entities})
	}
	return dumps, nil
}

func encodeDump(dumps []entityDump) ([]byte, error) {
	return json.MarshalIndent(dumps, "", "  ")
}

func decodeDump(data []byte) ([]entityDump, error) {
	if err := validateDump(data); err != nil {
		return nil, err
	}
	var dumps []entityDump
	if err := json.Unmarshal(data, &dumps); err != nil {
		return nil, err
	}
	return dumps, nil
}

func loadDumps(s *store.Store, mapUpdateID mapdata.ID, dumps []entityDump) error {
	for _, d := range dumps {
		if err := s.BulkUpsert(mapUpdateID, d.Entities); err != nil {
			return err
		}
	}
	return nil
}
