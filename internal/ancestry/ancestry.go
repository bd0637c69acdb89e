// Package ancestry is the tag ancestry engine (c3nav spec §4.5, C5): it
// maintains Parentage (direct edge), Ancestry (transitive pair) and
// AncestryPath (witnessing chain) under concurrent parent/child edits, and
// computes each tag's inherited value sets.
//
// The in-memory adjacency is a github.com/katalvlaran/lvlath/graph directed
// graph — the spec's §9 redesign note explicitly asks for "a plain
// adjacency-list … all traversals operate on these structures, not on ORM
// descriptors"; lvlath is exactly that, pulled from the rest of the example
// pack as the redesign note instructs.
package ancestry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/c3nav/mpc/pkg/log"
	"github.com/katalvlaran/lvlath/graph"
)

// CircularHierarchyError is returned when an edit would create an
// Ancestry(x,x); the caller's transaction must be rolled back wholesale.
type CircularHierarchyError struct {
	Node mapdata.ID
}

func (e *CircularHierarchyError) Error() string {
	return fmt.Sprintf("ancestry: adding this edge would make %d its own ancestor", e.Node)
}

func vid(id mapdata.ID) string { return strconv.FormatInt(int64(id), 10) }

func parseID(s string) mapdata.ID {
	n, _ := strconv.ParseInt(s, 10, 64)
	return mapdata.ID(n)
}

// Engine owns the closure tables and the in-memory parentage graph that
// mirrors them. Store is the persistence boundary (§6.1); Engine never
// talks to the database directly outside of the Store interface so the
// whole transaction discipline described in §4.5/§5 lives in one place.
type Engine struct {
	Store Store

	// g mirrors the Parentage table; rebuilt from Store at process start
	// and kept in sync by every successful edit (§4.5).
	g *graph.Graph
}

// Store is the persistence contract for ancestry data (§6.1 scoped to this
// component): everything happens inside one serializable transaction per
// edit.
type Store interface {
	LoadParentages() ([]mapdata.Parentage, error)
	LoadAncestryPaths() ([]mapdata.AncestryPath, error)

	// WithTx runs fn inside one transaction; any error rolls it back.
	WithTx(fn func(tx Tx) error) error
}

// Tx is the set of writes an edit may perform.
type Tx interface {
	InsertAncestry(a mapdata.Ancestry) error
	InsertAncestryPath(p mapdata.AncestryPath) error
	InsertParentage(p mapdata.Parentage) error
	DeleteParentage(p mapdata.Parentage) error
	// DeletePathsThroughParentage removes every AncestryPath whose chain
	// traverses p.
	DeletePathsThroughParentage(p mapdata.Parentage) error
	// GCOrphanedAncestries deletes Ancestry rows with zero remaining
	// witnessing paths — "a single SQL DELETE … WHERE path_count = 0" (§4.5).
	GCOrphanedAncestries() error
	// ExistingPaths returns every currently stored AncestryPath; used by
	// AddParent to extend existing chains.
	ExistingPaths() ([]mapdata.AncestryPath, error)
}

// NewEngine loads the current parentage graph from the store.
func NewEngine(store Store) (*Engine, error) {
	e := &Engine{Store: store, g: graph.NewGraph(true, false)}
	parentages, err := store.LoadParentages()
	if err != nil {
		return nil, err
	}
	for _, p := range parentages {
		e.g.AddEdge(vid(p.Parent), vid(p.Child), 1)
	}
	return e, nil
}

// wouldCycle reports whether adding parent->child would make child an
// ancestor of itself, i.e. child already reaches parent.
func (e *Engine) wouldCycle(parent, child mapdata.ID) bool {
	if parent == child {
		return true
	}
	res, err := e.g.BFS(vid(child), nil)
	if err != nil {
		return false // child not yet in the graph: cannot cycle back to it
	}
	return res.Visited[vid(parent)]
}

// AddParent adds parent P as a parent of child C (§4.5 "Add P → C").
func (e *Engine) AddParent(p Tx, parent, child mapdata.ID) error {
	if e.wouldCycle(parent, child) {
		return &CircularHierarchyError{Node: child}
	}

	existing, err := p.ExistingPaths()
	if err != nil {
		return err
	}

	direct := mapdata.Parentage{Parent: parent, Child: child}

	type witness struct {
		ancestry mapdata.Ancestry
		chain    []mapdata.Parentage
	}
	var newPaths []witness

	// direct
	newPaths = append(newPaths, witness{
		ancestry: mapdata.Ancestry{Ancestor: parent, Descendant: child},
		chain:    []mapdata.Parentage{direct},
	})

	// inherited_down: every existing ancestor A of P extends to C.
	for _, ep := range existing {
		if ep.Ancestry.Descendant == parent {
			chain := append(append([]mapdata.Parentage{}, ep.Parentages...), direct)
			newPaths = append(newPaths, witness{
				ancestry: mapdata.Ancestry{Ancestor: ep.Ancestry.Ancestor, Descendant: child},
				chain:    chain,
			})
		}
	}

	// inherited_up: every existing descendant D of C, directly (P,D) and,
	// for every existing ancestor A of P, (A,D) — a Cartesian product
	// across the new edge.
	for _, dp := range existing {
		if dp.Ancestry.Ancestor != child {
			continue
		}
		// (P, D)
		chain := append([]mapdata.Parentage{direct}, dp.Parentages...)
		newPaths = append(newPaths, witness{
			ancestry: mapdata.Ancestry{Ancestor: parent, Descendant: dp.Ancestry.Descendant},
			chain:    chain,
		})
		// (A, D) for every ancestor A of P
		for _, ep := range existing {
			if ep.Ancestry.Descendant != parent {
				continue
			}
			fullChain := append(append(append([]mapdata.Parentage{}, ep.Parentages...), direct), dp.Parentages...)
			newPaths = append(newPaths, witness{
				ancestry: mapdata.Ancestry{Ancestor: ep.Ancestry.Ancestor, Descendant: dp.Ancestry.Descendant},
				chain:    fullChain,
			})
		}
	}

	if err := p.InsertParentage(direct); err != nil {
		return err
	}
	seenAncestry := map[mapdata.Ancestry]bool{}
	for _, w := range newPaths {
		if !seenAncestry[w.ancestry] {
			if err := p.InsertAncestry(w.ancestry); err != nil {
				return err
			}
			seenAncestry[w.ancestry] = true
		}
		if err := p.InsertAncestryPath(mapdata.AncestryPath{
			Ancestry:   w.ancestry,
			Parentages: w.chain,
			NumHops:    len(w.chain),
		}); err != nil {
			return err
		}
	}

	e.g.AddEdge(vid(parent), vid(child), 1)
	return nil
}

// RemoveParent removes parent P from child C (§4.5 "Remove/clear"): delete
// every path traversing the removed edge, then garbage-collect orphaned
// Ancestry rows.
func (e *Engine) RemoveParent(p Tx, parent, child mapdata.ID) error {
	direct := mapdata.Parentage{Parent: parent, Child: child}
	if err := p.DeletePathsThroughParentage(direct); err != nil {
		return err
	}
	if err := p.DeleteParentage(direct); err != nil {
		return err
	}
	if err := p.GCOrphanedAncestries(); err != nil {
		return err
	}
	e.g.RemoveEdge(vid(parent), vid(child))
	return nil
}

// ClearParents removes every parent of child (§4.5).
func (e *Engine) ClearParents(p Tx, child mapdata.ID) error {
	for _, v := range e.g.Vertices() {
		if e.g.HasEdge(v.ID, vid(child)) {
			if err := e.RemoveParent(p, parseID(v.ID), child); err != nil {
				return err
			}
		}
	}
	return nil
}

// ClearChildren removes every child of parent (§4.5).
func (e *Engine) ClearChildren(p Tx, parent mapdata.ID) error {
	for _, v := range e.g.Neighbors(vid(parent)) {
		if err := e.RemoveParent(p, parent, parseID(v.ID)); err != nil {
			return err
		}
	}
	return nil
}

// Graph exposes the in-memory parentage graph for effective-value
// computation; callers must not mutate it.
func (e *Engine) Graph() *graph.Graph { return e.g }

// Do runs fn inside one transaction, wiring Store.WithTx. Callers use this
// instead of calling AddParent/RemoveParent directly so the whole edit
// (cycle check included) is atomic.
func (e *Engine) Do(fn func(tx Tx) error) error {
	return e.Store.WithTx(fn)
}

// ValidateAll rebuilds the expected closure from Parentages alone and
// compares it against the stored Ancestry/AncestryPath tables — the
// integrity verifier pass (§4.5).
func (e *Engine) ValidateAll(parentages []mapdata.Parentage, ancestries []mapdata.Ancestry, paths []mapdata.AncestryPath) error {
	g := graph.NewGraph(true, false)
	for _, p := range parentages {
		g.AddEdge(vid(p.Parent), vid(p.Child), 1)
	}

	expected := map[mapdata.Ancestry]bool{}
	for _, v := range g.Vertices() {
		res, err := g.BFS(v.ID, nil)
		if err != nil {
			continue
		}
		for id, visited := range res.Visited {
			if visited && id != v.ID {
				expected[mapdata.Ancestry{Ancestor: parseID(v.ID), Descendant: parseID(id)}] = true
			}
		}
	}

	actual := map[mapdata.Ancestry]bool{}
	for _, a := range ancestries {
		actual[a] = true
	}
	for a := range expected {
		if !actual[a] {
			return fmt.Errorf("ancestry: missing closure row %+v", a)
		}
	}
	for a := range actual {
		if !expected[a] {
			return fmt.Errorf("ancestry: stale closure row %+v", a)
		}
	}

	witnessed := map[mapdata.Ancestry]bool{}
	for _, p := range paths {
		if len(p.Parentages) == 0 || p.Ancestry.Descendant != p.Parentages[len(p.Parentages)-1].Child {
			return fmt.Errorf("ancestry: path %+v does not end at its own descendant", p)
		}
		witnessed[p.Ancestry] = true
	}
	for a := range actual {
		if !witnessed[a] {
			return fmt.Errorf("ancestry: %+v has no witnessing path", a)
		}
	}
	return nil
}

// --- Effective-value computation (§4.5) ---

// Attribute identifies one of the inheritable attribute kinds.
type Attribute int

const (
	AttrIcon Attribute = iota
	AttrLabelSettings
	AttrExternalURLLabel
	AttrDescribingTitle
)

// ComputeEffectiveValues performs the priority-ordered DFS from every root
// (a tag with no parents) and returns, per tag, the attribute's restricted
// value list with redundant (dominated) entries dropped. A tag with no
// direct value of its own inherits the nearest ancestor's value along each
// path it is reached by, restricted to the set of access restrictions
// crossed getting there.
func ComputeEffectiveValues(tags map[mapdata.ID]*mapdata.LocationTag, g *graph.Graph, attr Attribute) map[mapdata.ID][]mapdata.RestrictedValue {
	result := map[mapdata.ID][]mapdata.RestrictedValue{}
	seen := map[mapdata.ID]map[string]bool{}

	record := func(tagID mapdata.ID, rv mapdata.RestrictedValue) {
		key := rv.Value + "\x00" + restrictionKey(rv.Restrictions)
		if seen[tagID] == nil {
			seen[tagID] = map[string]bool{}
		}
		if seen[tagID][key] {
			return
		}
		seen[tagID][key] = true
		result[tagID] = append(result[tagID], rv)
	}

	roots := rootsOf(g)
	visiting := map[string]bool{}

	// inherited is the nearest ancestor's resolved value along the current
	// path, nil if no ancestor (or this node itself) has set one yet.
	var dfs func(id string, pathRestrictions map[mapdata.AccessRestriction]bool, inherited *mapdata.RestrictedValue)
	dfs = func(id string, pathRestrictions map[mapdata.AccessRestriction]bool, inherited *mapdata.RestrictedValue) {
		if visiting[id] {
			return // DAG is acyclic by construction; guard anyway
		}
		visiting[id] = true
		defer func() { visiting[id] = false }()

		tagID := parseID(id)
		tag := tags[tagID]

		effective := inherited
		if tag != nil {
			if v, ok := directValue(tag, attr); ok {
				own := mapdata.RestrictedValue{Value: v, Restrictions: copyRestrictionSet(pathRestrictions)}
				record(tagID, own)
				effective = &own
			} else if inherited != nil {
				record(tagID, mapdata.RestrictedValue{
					Value:        inherited.Value,
					Restrictions: copyRestrictionSet(pathRestrictions),
				})
			}
		}

		children := sortedByPriority(g.Neighbors(id), tags)
		for _, c := range children {
			childRestrictions := copyRestrictionSet(pathRestrictions)
			if tag != nil && tag.AccessRestriction != nil {
				childRestrictions[*tag.AccessRestriction] = true
			}
			dfs(c.ID, childRestrictions, effective)
		}
	}

	for _, root := range roots {
		dfs(root, map[mapdata.AccessRestriction]bool{}, nil)
	}

	for id, values := range result {
		result[id] = dropDominated(values)
	}
	return result
}

// restrictionKey builds a stable dedup key from a restriction set.
func restrictionKey(m map[mapdata.AccessRestriction]bool) string {
	ids := make([]int, 0, len(m))
	for k := range m {
		ids = append(ids, int(k))
	}
	sort.Ints(ids)
	var sb strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&sb, "%d,", id)
	}
	return sb.String()
}

func rootsOf(g *graph.Graph) []string {
	hasParent := map[string]bool{}
	for _, e := range g.Edges() {
		hasParent[e.To.ID] = true
	}
	var roots []string
	for _, v := range g.Vertices() {
		if !hasParent[v.ID] {
			roots = append(roots, v.ID)
		}
	}
	sort.Strings(roots)
	return roots
}

func sortedByPriority(vs []*graph.Vertex, tags map[mapdata.ID]*mapdata.LocationTag) []*graph.Vertex {
	out := append([]*graph.Vertex{}, vs...)
	sort.Slice(out, func(i, j int) bool {
		pi, pj := 0, 0
		if t := tags[parseID(out[i].ID)]; t != nil {
			pi = t.Priority
		}
		if t := tags[parseID(out[j].ID)]; t != nil {
			pj = t.Priority
		}
		if pi != pj {
			return pi > pj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func directValue(tag *mapdata.LocationTag, attr Attribute) (string, bool) {
	switch attr {
	case AttrIcon:
		return tag.Icon, tag.Icon != ""
	case AttrLabelSettings:
		return tag.LabelSettings, tag.LabelSettings != ""
	case AttrExternalURLLabel:
		return tag.ExternalURLLabel, tag.ExternalURLLabel != ""
	case AttrDescribingTitle:
		return tag.DescribingTitle, tag.DescribingTitle != ""
	}
	return "", false
}

func copyRestrictionSet(m map[mapdata.AccessRestriction]bool) map[mapdata.AccessRestriction]bool {
	out := make(map[mapdata.AccessRestriction]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// dropDominated removes any (value, restrictions) entry whose restriction
// set is a strict superset of another entry's for the same value — it is
// strictly harder to see and therefore redundant (§4.5).
func dropDominated(values []mapdata.RestrictedValue) []mapdata.RestrictedValue {
	var out []mapdata.RestrictedValue
	for i, v := range values {
		dominated := false
		for j, w := range values {
			if i == j || v.Value != w.Value {
				continue
			}
			if isStrictSuperset(v.Restrictions, w.Restrictions) {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, v)
		}
	}
	return out
}

func isStrictSuperset(a, b map[mapdata.AccessRestriction]bool) bool {
	if len(a) <= len(b) {
		return false
	}
	for k := range b {
		if !a[k] {
			return false
		}
	}
	return true
}

// LogSkip reports a skipped entity per §7's "no silent data loss" policy.
func LogSkip(reason string, id mapdata.ID) {
	log.Warnf("ancestry: skipping %s for tag %d", reason, id)
}
