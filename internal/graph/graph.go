// Package graph builds the directed conversion graph over tradable pairs.
package graph

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// Edge is one directed conversion: spend From, receive To, by trading Pair
// on Side. base→quote edges SELL at the bid; quote→base edges BUY at the ask.
type Edge struct {
	Pair domain.Pair
	Side domain.Side
	From domain.Asset
	To   domain.Asset
}

// Graph is an immutable adjacency list. It is safe for concurrent reads.
type Graph struct {
	adj     map[domain.Asset][]Edge
	pairs   map[string]domain.Pair
	edges   int
	builtAt time.Time
}

// Build constructs a graph from every tradable pair, in time linear in the
// number of pairs.
func Build(pairs []domain.Pair) *Graph {
	g := &Graph{
		adj:     make(map[domain.Asset][]Edge),
		pairs:   make(map[string]domain.Pair, len(pairs)),
		builtAt: time.Now(),
	}
	for _, p := range pairs {
		if !p.Tradable() {
			continue
		}
		if _, dup := g.pairs[p.Symbol]; dup {
			continue
		}
		g.pairs[p.Symbol] = p
		g.adj[p.Base] = append(g.adj[p.Base], Edge{Pair: p, Side: domain.SideSell, From: p.Base, To: p.Quote})
		g.adj[p.Quote] = append(g.adj[p.Quote], Edge{Pair: p, Side: domain.SideBuy, From: p.Quote, To: p.Base})
		g.edges += 2
	}
	for a := range g.adj {
		edges := g.adj[a]
		sort.Slice(edges, func(i, j int) bool { return edges[i].Pair.Symbol < edges[j].Pair.Symbol })
	}
	return g
}

// Neighbors returns the outgoing edges of asset. The slice must not be
// modified.
func (g *Graph) Neighbors(asset domain.Asset) []Edge {
	return g.adj[asset]
}

// Pair looks up a pair by symbol.
func (g *Graph) Pair(symbol string) (domain.Pair, bool) {
	p, ok := g.pairs[symbol]
	return p, ok
}

// Pairs returns every pair in the graph, sorted by symbol.
func (g *Graph) Pairs() []domain.Pair {
	out := make([]domain.Pair, 0, len(g.pairs))
	for _, p := range g.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Assets returns every node, sorted.
func (g *Graph) Assets() []domain.Asset {
	out := make([]domain.Asset, 0, len(g.adj))
	for a := range g.adj {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EdgeCount is the number of directed edges.
func (g *Graph) EdgeCount() int { return g.edges }

// BuiltAt is the construction time.
func (g *Graph) BuiltAt() time.Time { return g.builtAt }

// Holder publishes the current graph. Readers load it once per cycle and
// keep that instance even if a rebuild swaps in a new one.
type Holder struct {
	current atomic.Pointer[Graph]
}

// NewHolder returns a holder with an empty graph.
func NewHolder() *Holder {
	h := &Holder{}
	h.current.Store(Build(nil))
	return h
}

// Load returns the current graph.
func (h *Holder) Load() *Graph { return h.current.Load() }

// Rebuild builds a graph from pairs and swaps it in. A graph without edges
// is not published: the previous graph is kept and ErrDegenerateGraph is
// returned.
func (h *Holder) Rebuild(pairs []domain.Pair) (*Graph, error) {
	g := Build(pairs)
	if g.EdgeCount() == 0 {
		return h.Load(), fmt.Errorf("graph: rebuild from %d pairs: %w", len(pairs), domain.ErrDegenerateGraph)
	}
	h.current.Store(g)
	return g, nil
}
