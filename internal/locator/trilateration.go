package locator

import (
	"math"

	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/paulmach/orb"
)

// robustCost implements spec.md §4.7.1's robust residual cost: residuals
// within 3m cost r/3 + 2 (a flattened, nearly-linear penalty), beyond that
// the plain absolute residual.
func robustCost(r float64) float64 {
	if math.Abs(r) < 3 {
		return r/3 + 2
	}
	return math.Abs(r)
}

// trilaterationBounds is the bounding box of all anchors inflated per
// spec.md §4.7.1 (2m horizontally, 1m vertically).
type trilaterationBounds struct {
	minX, maxX, minY, maxY, minZ, maxZ float64
}

func computeBounds(anchors []anchoredRange) trilaterationBounds {
	b := trilaterationBounds{
		minX: math.Inf(1), maxX: math.Inf(-1),
		minY: math.Inf(1), maxY: math.Inf(-1),
		minZ: math.Inf(1), maxZ: math.Inf(-1),
	}
	for _, a := range anchors {
		x, y, z := a.peer.Position[0], a.peer.Position[1], a.peer.Altitude
		b.minX, b.maxX = math.Min(b.minX, x), math.Max(b.maxX, x)
		b.minY, b.maxY = math.Min(b.minY, y), math.Max(b.maxY, y)
		b.minZ, b.maxZ = math.Min(b.minZ, z), math.Max(b.maxZ, z)
	}
	b.minX -= 2
	b.maxX += 2
	b.minY -= 2
	b.maxY += 2
	b.minZ -= 1
	b.maxZ += 1
	return b
}

func (b trilaterationBounds) clamp(p []float64) {
	p[0] = math.Max(b.minX, math.Min(b.maxX, p[0]))
	p[1] = math.Max(b.minY, math.Min(b.maxY, p[1]))
	if len(p) == 3 {
		p[2] = math.Max(b.minZ, math.Min(b.maxZ, p[2]))
	}
}

// trilaterate implements spec.md §4.7.1: pick 3D or 2D by range count,
// minimize the robust-cost objective with a bounded Nelder-Mead simplex
// from the anchor centroid, and return the estimate shifted down 1.3m.
func (l *Locator) trilaterate(ranged []anchoredRange, resolve LevelResolver) (mapdata.CustomLocation, error) {
	dims := 2
	if len(ranged) >= 4 {
		dims = 3
	}
	bounds := computeBounds(ranged)

	var cx, cy, cz float64
	for _, a := range ranged {
		cx += a.peer.Position[0]
		cy += a.peer.Position[1]
		cz += a.peer.Altitude
	}
	n := float64(len(ranged))
	cx, cy, cz = cx/n, cy/n, cz/n

	objective := func(p []float64) float64 {
		x, y := p[0], p[1]
		z := cz
		if dims == 3 {
			z = p[2]
		}
		sum := 0.0
		for _, a := range ranged {
			dx := x - a.peer.Position[0]
			dy := y - a.peer.Position[1]
			dz := z - a.peer.Altitude
			dist := math.Sqrt(dx*dx + dy*dy + dz*dz)
			sum += robustCost(dist - a.dist)
		}
		return sum
	}

	var start []float64
	if dims == 3 {
		start = []float64{cx, cy, cz}
	} else {
		start = []float64{cx, cy}
	}

	result := nelderMead(objective, start, bounds.clamp)

	x, y := result[0], result[1]
	z := cz
	if dims == 3 {
		z = result[2]
	}

	shiftedZ := z - 1.3
	levelID := mapdata.ID(0)
	if resolve != nil {
		levelID = resolve(orb.Point{x, y}, shiftedZ)
	}
	return mapdata.CustomLocation{LevelID: levelID, Point: orb.Point{x, y}, Altitude: shiftedZ}, nil
}

// nelderMead is a deterministic, bounded Nelder-Mead simplex minimizer. No
// pack library ships a bounded non-linear least-squares solver (the
// equivalent of gonum/optimize is absent from every example repo's go.mod),
// so this is a hand-written, well-known textbook algorithm standing in for
// it — fully deterministic given a fixed starting point and iteration
// count, which is what spec.md §8 invariant 7 (locate() idempotence)
// requires.
func nelderMead(f func([]float64) float64, start []float64, clamp func([]float64)) []float64 {
	const (
		alpha = 1.0 // reflection
		gamma = 2.0 // expansion
		rho   = 0.5 // contraction
		sigma = 0.5 // shrink
		iters = 200
		step  = 1.0
	)
	n := len(start)

	simplex := make([][]float64, n+1)
	simplex[0] = append([]float64{}, start...)
	for i := 1; i <= n; i++ {
		p := append([]float64{}, start...)
		p[i-1] += step
		clamp(p)
		simplex[i] = p
	}

	scores := make([]float64, n+1)
	for i, p := range simplex {
		scores[i] = f(p)
	}

	for iter := 0; iter < iters; iter++ {
		order := sortByScore(simplex, scores)
		simplex, scores = order.points, order.scores

		centroid := make([]float64, n)
		for _, p := range simplex[:n] {
			for i, v := range p {
				centroid[i] += v / float64(n)
			}
		}

		worst := simplex[n]
		worstScore := scores[n]

		reflected := reflect(centroid, worst, alpha)
		clamp(reflected)
		reflectedScore := f(reflected)

		switch {
		case reflectedScore < scores[0]:
			expanded := reflect(centroid, worst, gamma)
			clamp(expanded)
			expandedScore := f(expanded)
			if expandedScore < reflectedScore {
				simplex[n], scores[n] = expanded, expandedScore
			} else {
				simplex[n], scores[n] = reflected, reflectedScore
			}
		case reflectedScore < scores[n-1]:
			simplex[n], scores[n] = reflected, reflectedScore
		default:
			contracted := reflect(centroid, worst, -rho)
			clamp(contracted)
			contractedScore := f(contracted)
			if contractedScore < worstScore {
				simplex[n], scores[n] = contracted, contractedScore
			} else {
				best := simplex[0]
				for i := 1; i <= n; i++ {
					for j := range simplex[i] {
						simplex[i][j] = best[j] + sigma*(simplex[i][j]-best[j])
					}
					clamp(simplex[i])
					scores[i] = f(simplex[i])
				}
			}
		}
	}

	final := sortByScore(simplex, scores)
	return final.points[0]
}

func reflect(centroid, worst []float64, coeff float64) []float64 {
	out := make([]float64, len(centroid))
	for i := range out {
		out[i] = centroid[i] + coeff*(centroid[i]-worst[i])
	}
	return out
}

type ordered struct {
	points [][]float64
	scores []float64
}

// sortByScore is a small insertion sort (n is 2 or 3, so simplex size is at
// most 4 points — a full sort library would be overkill).
func sortByScore(points [][]float64, scores []float64) ordered {
	p := append([][]float64{}, points...)
	s := append([]float64{}, scores...)
	for i := 1; i < len(s); i++ {
		j := i
		for j > 0 && s[j-1] > s[j] {
			s[j-1], s[j] = s[j], s[j-1]
			p[j-1], p[j] = p[j], p[j-1]
			j--
		}
	}
	return ordered{points: p, scores: s}
}
