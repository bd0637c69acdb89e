// Package spatialindex is the bounding-box spatial index (c3nav spec §4.2,
// C2): a thin generic wrapper over github.com/dhconnelly/rtreego's R-tree,
// returning a superset of actual intersectors (false positives allowed,
// false negatives forbidden). The core builds one per query batch and
// never mutates it mid-batch.
package spatialindex

import (
	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
)

const dimensions = 2

// entry adapts one indexed id+bound pair to rtreego.Spatial.
type entry[Id comparable] struct {
	id    Id
	bound orb.Bound
}

func (e *entry[Id]) Bounds() *rtreego.Rect {
	width := e.bound.Max[0] - e.bound.Min[0]
	height := e.bound.Max[1] - e.bound.Min[1]
	if width <= 0 {
		width = 1e-9
	}
	if height <= 0 {
		height = 1e-9
	}
	rect, err := rtreego.NewRect(
		rtreego.Point{e.bound.Min[0], e.bound.Min[1]},
		[]float64{width, height},
	)
	if err != nil {
		// rtreego only errors on non-positive widths, which we guard above.
		panic(err)
	}
	return rect
}

// Index is a static R-tree built once per query batch (§4.2). Insert before
// any Intersection call; the core never mutates an index between queries.
type Index[Id comparable] struct {
	tree    *rtreego.Rtree
	entries []*entry[Id]
}

// New creates an empty index.
func New[Id comparable]() *Index[Id] {
	return &Index[Id]{tree: rtreego.NewTree(dimensions, 25, 50)}
}

// Insert adds id with its geometry's bounding box.
func (idx *Index[Id]) Insert(id Id, bound orb.Bound) {
	e := &entry[Id]{id: id, bound: bound}
	idx.entries = append(idx.entries, e)
	idx.tree.Insert(e)
}

// Intersection returns every id whose bounding box intersects query; it may
// over-report (callers must still test the real geometry) but never
// under-reports.
func (idx *Index[Id]) Intersection(query orb.Bound) []Id {
	width := query.Max[0] - query.Min[0]
	height := query.Max[1] - query.Min[1]
	if width <= 0 {
		width = 1e-9
	}
	if height <= 0 {
		height = 1e-9
	}
	rect, err := rtreego.NewRect(rtreego.Point{query.Min[0], query.Min[1]}, []float64{width, height})
	if err != nil {
		return nil
	}

	results := idx.tree.SearchIntersect(rect)
	out := make([]Id, 0, len(results))
	for _, r := range results {
		out = append(out, r.(*entry[Id]).id)
	}
	return out
}

// Len reports how many entries have been inserted.
func (idx *Index[Id]) Len() int { return len(idx.entries) }
