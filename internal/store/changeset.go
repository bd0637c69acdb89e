package store

import (
	"encoding/json"
	"fmt"

	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/jmoiron/sqlx"
)

// OpKind is the tagged-variant replacement for the source's dynamic
// model-wrapping changeset (spec.md §9's re-architecture note): rather than
// runtime-intercepting attribute writes on live proxy objects, a changeset
// is an explicit, inspectable value — an ordered list of Ops — following
// the `editor/changes.py` operation model spec.md §9 names as canonical
// over its near-duplicate in `editor/models/changeset.py`.
type OpKind int

const (
	OpCreate OpKind = iota
	OpUpdate
	OpDelete
	OpM2MAdd
	OpM2MRemove
	OpM2MClear
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpM2MAdd:
		return "m2m_add"
	case OpM2MRemove:
		return "m2m_remove"
	case OpM2MClear:
		return "m2m_clear"
	default:
		return "unknown"
	}
}

// Op is one staged edit against a single entity. Fields are a value
// object: Field/Value apply to Update, Field/Related to the M2M variants,
// Attrs to Create.
type Op struct {
	Kind     OpKind
	EntityID mapdata.ID
	Kind_    string // entity kind (e.g. "space", "door"); avoids colliding with OpKind
	Field    string
	Value    interface{}
	Related  mapdata.ID
	Attrs    map[string]interface{}
}

// DependencyError reports that an Op cannot be replayed yet: it references
// an entity that doesn't exist, violates a unique-value constraint, or
// targets something still protected by a reference.
type DependencyError struct {
	Op     Op
	Reason string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("store: op %s on entity %d: %s", e.Op.Kind, e.Op.EntityID, e.Reason)
}

// ResolveDependencies checks op against the given existence/uniqueness/
// protection oracles before it is safe to replay. Each oracle returning
// false blocks the op with a DependencyError; this is the changeset
// resolver's dependency-checking phase named in spec.md §9.
func ResolveDependencies(op Op, exists func(mapdata.ID) bool, uniqueFree func(field string, value interface{}) bool, unprotected func(mapdata.ID) bool) error {
	switch op.Kind {
	case OpUpdate, OpDelete, OpM2MAdd, OpM2MRemove, OpM2MClear:
		if !exists(op.EntityID) {
			return &DependencyError{Op: op, Reason: "entity does not exist"}
		}
	}
	if op.Kind == OpDelete && !unprotected(op.EntityID) {
		return &DependencyError{Op: op, Reason: "entity has a protected reference"}
	}
	if op.Kind == OpUpdate && op.Field != "" {
		if !uniqueFree(op.Field, op.Value) {
			return &DependencyError{Op: op, Reason: fmt.Sprintf("value already taken for field %q", op.Field)}
		}
	}
	return nil
}

// ReplayChangeset applies ops in order against s as part of mapUpdateID
// (already inserted via InsertMapUpdate), under the FIFO commit lock
// (spec.md §5's `MapUpdate.lock()`), stopping at the first failure. Delete
// ops set deleted = true rather than removing the row (spec.md §9 Open
// Question 1: the source's `deleted = False` in its own delete branch is
// treated as a typo — a delete that doesn't mark anything deleted would be
// a no-op, contradicting the op's name and the changeset's purpose).
func (s *Store) ReplayChangeset(mapUpdateID mapdata.ID, ops []Op) error {
	return s.lock.WithLock(func() error {
		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("store: begin changeset: %w", err)
		}
		for _, op := range ops {
			if err := applyOp(tx, mapUpdateID, op); err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}

func applyOp(tx *sqlx.Tx, mapUpdateID mapdata.ID, op Op) error {
	switch op.Kind {
	case OpCreate:
		attrs, err := json.Marshal(op.Attrs)
		if err != nil {
			return fmt.Errorf("store: marshal create attrs: %w", err)
		}
		_, err = tx.Exec(`INSERT INTO entity (id, kind, attrs, updated_by_map_update_id) VALUES (?, ?, ?, ?)`,
			op.EntityID, op.Kind_, attrs, mapUpdateID)
		return err

	case OpUpdate:
		var raw []byte
		if err := tx.Get(&raw, `SELECT attrs FROM entity WHERE id = ?`, op.EntityID); err != nil {
			return fmt.Errorf("store: read attrs for update: %w", err)
		}
		attrs := map[string]interface{}{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &attrs); err != nil {
				return fmt.Errorf("store: unmarshal attrs: %w", err)
			}
		}
		attrs[op.Field] = op.Value
		encoded, err := json.Marshal(attrs)
		if err != nil {
			return fmt.Errorf("store: marshal updated attrs: %w", err)
		}
		_, err = tx.Exec(`UPDATE entity SET attrs = ? WHERE id = ?`, encoded, op.EntityID)
		return err

	case OpDelete:
		_, err := tx.Exec(`UPDATE entity SET deleted = 1 WHERE id = ?`, op.EntityID)
		return err

	case OpM2MAdd:
		_, err := tx.Exec(`INSERT OR IGNORE INTO entity_relation (entity_id, field, related_id) VALUES (?, ?, ?)`,
			op.EntityID, op.Field, op.Related)
		return err

	case OpM2MRemove:
		_, err := tx.Exec(`DELETE FROM entity_relation WHERE entity_id = ? AND field = ? AND related_id = ?`,
			op.EntityID, op.Field, op.Related)
		return err

	case OpM2MClear:
		_, err := tx.Exec(`DELETE FROM entity_relation WHERE entity_id = ? AND field = ?`, op.EntityID, op.Field)
		return err

	default:
		return fmt.Errorf("store: unknown op kind %v", op.Kind)
	}
}
