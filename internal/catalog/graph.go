package catalog

import (
	"container/heap"
	"slices"
)

// graph is the validated prerequisite DAG. Node indices follow recipe
// rank, so a min-heap over indices yields the rank tie-break.
type graph struct {
	ids      []int       // by index
	index    map[int]int // id -> index
	outgoing [][]int     // prerequisite -> dependents, sorted
	indeg    []int
}

// newGraph validates the recipes: unique ids and ranks, known
// prerequisites, no self loops and no cycles.
func newGraph(recipes []Recipe) (*graph, error) {
	if len(recipes) == 0 {
		return nil, invalidf("no recipes")
	}
	sorted := slices.Clone(recipes)
	slices.SortFunc(sorted, func(a, b Recipe) int { return a.Rank - b.Rank })

	g := &graph{index: make(map[int]int, len(sorted))}
	for i, r := range sorted {
		if _, dup := g.index[r.ID]; dup {
			return nil, invalidf("duplicate model id %d", r.ID)
		}
		if i > 0 && sorted[i-1].Rank == r.Rank {
			return nil, invalidf("models %d and %d share rank %d", sorted[i-1].ID, r.ID, r.Rank)
		}
		g.index[r.ID] = i
		g.ids = append(g.ids, r.ID)
	}

	g.outgoing = make([][]int, len(sorted))
	g.indeg = make([]int, len(sorted))
	for i, r := range sorted {
		seen := map[int]bool{}
		for _, dep := range r.Requires {
			if dep == r.ID {
				return nil, invalidf("model %d requires itself", r.ID)
			}
			j, ok := g.index[dep]
			if !ok {
				return nil, invalidf("model %d requires unknown model %d", r.ID, dep)
			}
			if seen[dep] {
				return nil, invalidf("model %d lists prerequisite %d twice", r.ID, dep)
			}
			seen[dep] = true
			g.outgoing[j] = append(g.outgoing[j], i)
			g.indeg[i]++
		}
	}
	for i := range g.outgoing {
		slices.Sort(g.outgoing[i])
	}

	if order := g.topo(nil); len(order) != len(g.ids) {
		return nil, cycleError(g.findCycle())
	}
	return g, nil
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topo runs Kahn's algorithm over the nodes in keep (all nodes when keep
// is nil) and returns their ids. Edges from nodes outside keep are
// ignored.
func (g *graph) topo(keep map[int]bool) []int {
	in := func(i int) bool { return keep == nil || keep[g.ids[i]] }

	indeg := make([]int, len(g.ids))
	for u := range g.outgoing {
		if !in(u) {
			continue
		}
		for _, v := range g.outgoing[u] {
			indeg[v]++
		}
	}

	ready := &intMinHeap{}
	for i := range indeg {
		if in(i) && indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}
	var out []int
	for ready.Len() > 0 {
		u := heap.Pop(ready).(int)
		out = append(out, g.ids[u])
		for _, v := range g.outgoing[u] {
			if !in(v) {
				continue
			}
			indeg[v]--
			if indeg[v] == 0 {
				heap.Push(ready, v)
			}
		}
	}
	return out
}

// findCycle returns one cycle as model ids, first id repeated at the end.
func (g *graph) findCycle() []int {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.ids))
	parent := make([]int, len(g.ids))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range g.ids {
		if color[i] == white && dfs(i) {
			break
		}
	}

	out := make([]int, len(cycle))
	for i, idx := range cycle {
		out[len(cycle)-1-i] = g.ids[idx]
	}
	return out
}
