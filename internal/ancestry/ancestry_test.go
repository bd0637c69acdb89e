package ancestry

import (
	"strconv"
	"testing"

	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store/Tx used only by this test; it mirrors the
// sqlite-backed store's write semantics closely enough to exercise Engine.
type memStore struct {
	parentages []mapdata.Parentage
	ancestries map[mapdata.Ancestry]bool
	paths      []mapdata.AncestryPath
}

func newMemStore() *memStore {
	return &memStore{ancestries: map[mapdata.Ancestry]bool{}}
}

func (m *memStore) LoadParentages() ([]mapdata.Parentage, error) { return m.parentages, nil }
func (m *memStore) LoadAncestryPaths() ([]mapdata.AncestryPath, error) { return m.paths, nil }

func (m *memStore) WithTx(fn func(tx Tx) error) error {
	// snapshot for rollback-on-error
	savedP := append([]mapdata.Parentage{}, m.parentages...)
	savedA := map[mapdata.Ancestry]bool{}
	for k, v := range m.ancestries {
		savedA[k] = v
	}
	savedPaths := append([]mapdata.AncestryPath{}, m.paths...)

	if err := fn(m); err != nil {
		m.parentages, m.ancestries, m.paths = savedP, savedA, savedPaths
		return err
	}
	return nil
}

func (m *memStore) InsertAncestry(a mapdata.Ancestry) error {
	m.ancestries[a] = true
	return nil
}

func (m *memStore) InsertAncestryPath(p mapdata.AncestryPath) error {
	m.paths = append(m.paths, p)
	return nil
}

func (m *memStore) InsertParentage(p mapdata.Parentage) error {
	m.parentages = append(m.parentages, p)
	return nil
}

func (m *memStore) DeleteParentage(p mapdata.Parentage) error {
	for i, x := range m.parentages {
		if x == p {
			m.parentages = append(m.parentages[:i], m.parentages[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memStore) DeletePathsThroughParentage(p mapdata.Parentage) error {
	var out []mapdata.AncestryPath
	for _, path := range m.paths {
		through := false
		for _, hop := range path.Parentages {
			if hop == p {
				through = true
				break
			}
		}
		if !through {
			out = append(out, path)
		}
	}
	m.paths = out
	return nil
}

func (m *memStore) GCOrphanedAncestries() error {
	witnessed := map[mapdata.Ancestry]bool{}
	for _, p := range m.paths {
		witnessed[p.Ancestry] = true
	}
	for a := range m.ancestries {
		if !witnessed[a] {
			delete(m.ancestries, a)
		}
	}
	return nil
}

func (m *memStore) ExistingPaths() ([]mapdata.AncestryPath, error) { return m.paths, nil }

func pathSet(t *testing.T, store *memStore, ancestor, descendant mapdata.ID) []string {
	t.Helper()
	var out []string
	for _, p := range store.paths {
		if p.Ancestry.Ancestor == ancestor && p.Ancestry.Descendant == descendant {
			s := ""
			for _, hop := range p.Parentages {
				if s != "" {
					s += ","
				}
				s += strconv.FormatInt(int64(hop.Parent), 10) + ">" + strconv.FormatInt(int64(hop.Child), 10)
			}
			out = append(out, s)
		}
	}
	return out
}

func TestEngine_ScenarioS5(t *testing.T) {
	store := newMemStore()
	engine, err := NewEngine(store)
	require.NoError(t, err)

	const tag1, tag2, tag3 mapdata.ID = 1, 2, 3

	require.NoError(t, engine.Do(func(tx Tx) error { return engine.AddParent(tx, tag1, tag2) }))
	require.NoError(t, engine.Do(func(tx Tx) error { return engine.AddParent(tx, tag2, tag3) }))
	require.NoError(t, engine.Do(func(tx Tx) error { return engine.AddParent(tx, tag1, tag3) }))

	assert.True(t, store.ancestries[mapdata.Ancestry{Ancestor: tag1, Descendant: tag3}])
	paths13 := pathSet(t, store, tag1, tag3)
	assert.Len(t, paths13, 2, "Ancestry(1,3) should have both the direct edge and the 1->2->3 chain as witnesses")

	require.NoError(t, engine.Do(func(tx Tx) error { return engine.RemoveParent(tx, tag1, tag2) }))

	assert.True(t, store.ancestries[mapdata.Ancestry{Ancestor: tag1, Descendant: tag3}],
		"Ancestry(1,3) must survive: the direct 1->3 edge still witnesses it")
	paths13After := pathSet(t, store, tag1, tag3)
	assert.Len(t, paths13After, 1, "only the direct 1->3 path should remain after removing 1->2")

	assert.False(t, store.ancestries[mapdata.Ancestry{Ancestor: tag1, Descendant: tag2}],
		"Ancestry(1,2) must be garbage collected: no path witnesses it any more")
}

func TestEngine_RejectsCircularHierarchy(t *testing.T) {
	store := newMemStore()
	engine, err := NewEngine(store)
	require.NoError(t, err)

	const tag1, tag2 mapdata.ID = 1, 2
	require.NoError(t, engine.Do(func(tx Tx) error { return engine.AddParent(tx, tag1, tag2) }))

	err = engine.Do(func(tx Tx) error { return engine.AddParent(tx, tag2, tag1) })
	require.Error(t, err)
	var circErr *CircularHierarchyError
	assert.ErrorAs(t, err, &circErr)

	// Rejected edit must not have left partial state behind.
	assert.Empty(t, pathSet(t, store, tag2, tag1))
}

func TestEngine_ValidateAllDetectsMissingClosure(t *testing.T) {
	store := newMemStore()
	engine, err := NewEngine(store)
	require.NoError(t, err)

	const tag1, tag2, tag3 mapdata.ID = 1, 2, 3
	require.NoError(t, engine.Do(func(tx Tx) error { return engine.AddParent(tx, tag1, tag2) }))
	require.NoError(t, engine.Do(func(tx Tx) error { return engine.AddParent(tx, tag2, tag3) }))

	var ancestries []mapdata.Ancestry
	for a := range store.ancestries {
		ancestries = append(ancestries, a)
	}
	assert.NoError(t, engine.ValidateAll(store.parentages, ancestries, store.paths))

	// Drop the transitive row to simulate corruption.
	var broken []mapdata.Ancestry
	for _, a := range ancestries {
		if a != (mapdata.Ancestry{Ancestor: tag1, Descendant: tag3}) {
			broken = append(broken, a)
		}
	}
	assert.Error(t, engine.ValidateAll(store.parentages, broken, store.paths))
}

// TestComputeEffectiveValues_PropagatesToDescendantsWithoutOwnValue checks
// that a tag lacking its own direct value inherits the nearest ancestor's,
// not just tags that happen to carry one themselves.
func TestComputeEffectiveValues_PropagatesToDescendantsWithoutOwnValue(t *testing.T) {
	store := newMemStore()
	engine, err := NewEngine(store)
	require.NoError(t, err)

	const root, middle, leaf mapdata.ID = 1, 2, 3
	require.NoError(t, engine.Do(func(tx Tx) error { return engine.AddParent(tx, root, middle) }))
	require.NoError(t, engine.Do(func(tx Tx) error { return engine.AddParent(tx, middle, leaf) }))

	tags := map[mapdata.ID]*mapdata.LocationTag{
		root:   {ID: root, Icon: "root-icon"},
		middle: {ID: middle}, // no icon of its own
		leaf:   {ID: leaf},   // no icon of its own
	}

	result := ComputeEffectiveValues(tags, engine.Graph(), AttrIcon)

	require.Len(t, result[root], 1)
	assert.Equal(t, "root-icon", result[root][0].Value)

	require.Len(t, result[middle], 1, "middle should inherit root's icon")
	assert.Equal(t, "root-icon", result[middle][0].Value)

	require.Len(t, result[leaf], 1, "leaf should inherit root's icon through middle")
	assert.Equal(t, "root-icon", result[leaf][0].Value)
}

// TestComputeEffectiveValues_OwnValueOverridesInherited checks a tag with
// its own direct value wins over whatever an ancestor would otherwise have
// propagated down to it, and that value is what its own children inherit.
func TestComputeEffectiveValues_OwnValueOverridesInherited(t *testing.T) {
	store := newMemStore()
	engine, err := NewEngine(store)
	require.NoError(t, err)

	const root, middle, leaf mapdata.ID = 1, 2, 3
	require.NoError(t, engine.Do(func(tx Tx) error { return engine.AddParent(tx, root, middle) }))
	require.NoError(t, engine.Do(func(tx Tx) error { return engine.AddParent(tx, middle, leaf) }))

	tags := map[mapdata.ID]*mapdata.LocationTag{
		root:   {ID: root, Icon: "root-icon"},
		middle: {ID: middle, Icon: "middle-icon"},
		leaf:   {ID: leaf},
	}

	result := ComputeEffectiveValues(tags, engine.Graph(), AttrIcon)

	require.Len(t, result[middle], 1)
	assert.Equal(t, "middle-icon", result[middle][0].Value)

	require.Len(t, result[leaf], 1, "leaf should inherit the nearer ancestor's (middle's) icon, not root's")
	assert.Equal(t, "middle-icon", result[leaf][0].Value)
}
