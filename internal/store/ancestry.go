package store

import (
	"encoding/json"
	"fmt"

	"github.com/c3nav/mpc/internal/ancestry"
	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/jmoiron/sqlx"
)

// LoadParentages implements ancestry.Store.
func (s *Store) LoadParentages() ([]mapdata.Parentage, error) {
	var rows []struct {
		Parent int64 `db:"parent_id"`
		Child  int64 `db:"child_id"`
	}
	if err := s.db.Select(&rows, `SELECT parent_id, child_id FROM parentage`); err != nil {
		return nil, fmt.Errorf("store: LoadParentages: %w", err)
	}
	out := make([]mapdata.Parentage, len(rows))
	for i, r := range rows {
		out[i] = mapdata.Parentage{Parent: mapdata.ID(r.Parent), Child: mapdata.ID(r.Child)}
	}
	return out, nil
}

// LoadAncestryPaths implements ancestry.Store.
func (s *Store) LoadAncestryPaths() ([]mapdata.AncestryPath, error) {
	return loadAncestryPaths(s.db)
}

func loadAncestryPaths(q sqlx.Queryer) ([]mapdata.AncestryPath, error) {
	var rows []struct {
		Ancestor   int64  `db:"ancestor_id"`
		Descendant int64  `db:"descendant_id"`
		Parentages []byte `db:"parentages"`
		NumHops    int    `db:"num_hops"`
	}
	if err := sqlx.Select(q, &rows, `SELECT ancestor_id, descendant_id, parentages, num_hops FROM ancestry_path`); err != nil {
		return nil, fmt.Errorf("store: load ancestry paths: %w", err)
	}
	out := make([]mapdata.AncestryPath, len(rows))
	for i, r := range rows {
		var chain []mapdata.Parentage
		if err := json.Unmarshal(r.Parentages, &chain); err != nil {
			return nil, fmt.Errorf("store: decode ancestry path %d: %w", i, err)
		}
		out[i] = mapdata.AncestryPath{
			Ancestry:   mapdata.Ancestry{Ancestor: mapdata.ID(r.Ancestor), Descendant: mapdata.ID(r.Descendant)},
			Parentages: chain,
			NumHops:    r.NumHops,
		}
	}
	return out, nil
}

// WithTx implements ancestry.Store: every edit runs inside one transaction,
// serialized behind the same FIFO lock map-update writes use.
func (s *Store) WithTx(fn func(tx ancestry.Tx) error) error {
	return s.lock.WithLock(func() error {
		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("store: begin ancestry tx: %w", err)
		}
		if err := fn(&ancestryTx{tx: tx}); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

type ancestryTx struct {
	tx *sqlx.Tx
}

func (t *ancestryTx) InsertAncestry(a mapdata.Ancestry) error {
	_, err := t.tx.Exec(`INSERT OR IGNORE INTO ancestry (ancestor_id, descendant_id) VALUES (?, ?)`,
		a.Ancestor, a.Descendant)
	if err != nil {
		return fmt.Errorf("store: InsertAncestry: %w", err)
	}
	return nil
}

func (t *ancestryTx) InsertAncestryPath(p mapdata.AncestryPath) error {
	chain, err := json.Marshal(p.Parentages)
	if err != nil {
		return fmt.Errorf("store: encode ancestry path: %w", err)
	}
	_, err = t.tx.Exec(`INSERT INTO ancestry_path (ancestor_id, descendant_id, parentages, num_hops) VALUES (?, ?, ?, ?)`,
		p.Ancestry.Ancestor, p.Ancestry.Descendant, chain, p.NumHops)
	if err != nil {
		return fmt.Errorf("store: InsertAncestryPath: %w", err)
	}
	return nil
}

func (t *ancestryTx) InsertParentage(p mapdata.Parentage) error {
	_, err := t.tx.Exec(`INSERT OR IGNORE INTO parentage (parent_id, child_id) VALUES (?, ?)`, p.Parent, p.Child)
	if err != nil {
		return fmt.Errorf("store: InsertParentage: %w", err)
	}
	return nil
}

func (t *ancestryTx) DeleteParentage(p mapdata.Parentage) error {
	_, err := t.tx.Exec(`DELETE FROM parentage WHERE parent_id = ? AND child_id = ?`, p.Parent, p.Child)
	if err != nil {
		return fmt.Errorf("store: DeleteParentage: %w", err)
	}
	return nil
}

// DeletePathsThroughParentage filters in Go rather than SQL: ancestry_path's
// chain is opaque JSON, and the expected table size (per-map hierarchy
// edges) is small enough that a full scan per edit is not a concern.
func (t *ancestryTx) DeletePathsThroughParentage(p mapdata.Parentage) error {
	paths, err := loadAncestryPathRows(t.tx)
	if err != nil {
		return err
	}
	for _, row := range paths {
		var chain []mapdata.Parentage
		if err := json.Unmarshal(row.Parentages, &chain); err != nil {
			return fmt.Errorf("store: decode ancestry path %d: %w", row.ID, err)
		}
		for _, edge := range chain {
			if edge == p {
				if _, err := t.tx.Exec(`DELETE FROM ancestry_path WHERE id = ?`, row.ID); err != nil {
					return fmt.Errorf("store: delete ancestry path %d: %w", row.ID, err)
				}
				break
			}
		}
	}
	return nil
}

func (t *ancestryTx) GCOrphanedAncestries() error {
	_, err := t.tx.Exec(`
		DELETE FROM ancestry
		WHERE NOT EXISTS (
			SELECT 1 FROM ancestry_path
			WHERE ancestry_path.ancestor_id = ancestry.ancestor_id
			AND ancestry_path.descendant_id = ancestry.descendant_id
		)`)
	if err != nil {
		return fmt.Errorf("store: GCOrphanedAncestries: %w", err)
	}
	return nil
}

func (t *ancestryTx) ExistingPaths() ([]mapdata.AncestryPath, error) {
	return loadAncestryPaths(t.tx)
}

type ancestryPathRow struct {
	ID         int64  `db:"id"`
	Parentages []byte `db:"parentages"`
}

func loadAncestryPathRows(tx *sqlx.Tx) ([]ancestryPathRow, error) {
	var rows []ancestryPathRow
	if err := tx.Select(&rows, `SELECT id, parentages FROM ancestry_path`); err != nil {
		return nil, fmt.Errorf("store: load ancestry path rows: %w", err)
	}
	return rows, nil
}
