package store

import (
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/c3nav/mpc/internal/mapdata"
)

// effectiveAttrPath maps each inheritable attribute to the JSON path inside
// a location_tag entity's attrs blob that C5 computes into.
var effectiveAttrPath = map[string]string{
	"icon":               "$.Effective.Icon",
	"label_settings":     "$.Effective.LabelSettings",
	"external_url_label": "$.Effective.ExternalURLLabel",
	"describing_title":   "$.Effective.DescribingTitle",
}

// UpdateEffectiveValues bulk-writes one inheritable attribute's computed
// restricted-value list across every tag that carries one, in a single
// `UPDATE … CASE id WHEN … THEN json_set(...) END` statement — the ancestry
// engine's "one UPDATE … CASE WHEN pk IN … per attribute" bulk-write rule,
// one call per attribute to keep round-trips down.
func (s *Store) UpdateEffectiveValues(attr string, values map[mapdata.ID][]mapdata.RestrictedValue) error {
	if len(values) == 0 {
		return nil
	}
	path, ok := effectiveAttrPath[attr]
	if !ok {
		return fmt.Errorf("store: unknown effective attribute %q", attr)
	}

	caseExpr := sq.Case("id")
	ids := make([]mapdata.ID, 0, len(values))
	for id, rv := range values {
		encoded, err := json.Marshal(rv)
		if err != nil {
			return fmt.Errorf("store: marshal effective %s for tag %d: %w", attr, id, err)
		}
		caseExpr = caseExpr.When(sq.Expr("?", id), sq.Expr("json_set(attrs, ?, json(?))", path, string(encoded)))
		ids = append(ids, id)
	}
	caseExpr = caseExpr.Else(sq.Expr("attrs"))

	query, args, err := sq.Update("entity").
		Set("attrs", caseExpr).
		Where(sq.Eq{"kind": "location_tag", "id": ids}).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build effective update for %s: %w", attr, err)
	}

	return s.lock.WithLock(func() error {
		if _, err := s.db.Exec(query, args...); err != nil {
			return fmt.Errorf("store: update effective %s: %w", attr, err)
		}
		return nil
	})
}
