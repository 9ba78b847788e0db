package search

import (
	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/graph"
)

// valuation prices every asset reachable through the snapshot in a common
// unit. Assets connected to the reference asset are anchored to it; every
// other connected component gets its own local unit so edge value factors
// still telescope along closed walks.
type valuation struct {
	value    map[domain.Asset]float64
	anchored map[domain.Asset]bool
}

func newValuation(g *graph.Graph, snap *domain.GraphSnapshot, ref domain.Asset) *valuation {
	v := &valuation{
		value:    make(map[domain.Asset]float64),
		anchored: make(map[domain.Asset]bool),
	}
	if len(g.Neighbors(ref)) > 0 {
		v.flood(g, snap, ref, true)
	}
	for _, a := range g.Assets() {
		if _, ok := v.value[a]; !ok {
			v.flood(g, snap, a, false)
		}
	}
	return v
}

// flood assigns values breadth-first from root using book mid prices.
func (v *valuation) flood(g *graph.Graph, snap *domain.GraphSnapshot, root domain.Asset, anchored bool) {
	v.value[root] = 1
	v.anchored[root] = anchored
	queue := []domain.Asset{root}
	for len(queue) > 0 {
		a := queue[0]
		queue = queue[1:]
		for _, e := range g.Neighbors(a) {
			if _, seen := v.value[e.To]; seen {
				continue
			}
			book, ok := snap.Book(e.Pair.Symbol)
			if !ok {
				continue
			}
			mid := book.Mid()
			if mid <= 0 {
				continue
			}
			// mid is quote per base.
			if e.Side == domain.SideSell {
				v.value[e.To] = v.value[a] / mid
			} else {
				v.value[e.To] = v.value[a] * mid
			}
			v.anchored[e.To] = anchored
			queue = append(queue, e.To)
		}
	}
}

// of returns the value of one unit of a, or 0 when a is not priced.
func (v *valuation) of(a domain.Asset) float64 { return v.value[a] }

// sameUnit reports whether a and b are valued in the reference unit, so an
// open walk from a to b has a meaningful value ratio.
func (v *valuation) sameUnit(a, b domain.Asset) bool {
	return v.anchored[a] && v.anchored[b]
}

// ReferenceValues prices every asset connected to ref through snap in units
// of ref, from book mids. Assets with no route to ref are absent.
func ReferenceValues(g *graph.Graph, snap *domain.GraphSnapshot, ref domain.Asset) map[domain.Asset]float64 {
	out := make(map[domain.Asset]float64)
	if len(g.Neighbors(ref)) == 0 {
		if ref != "" {
			out[ref] = 1
		}
		return out
	}
	v := &valuation{
		value:    make(map[domain.Asset]float64),
		anchored: make(map[domain.Asset]bool),
	}
	v.flood(g, snap, ref, true)
	for a, x := range v.value {
		out[a] = x
	}
	return out
}
