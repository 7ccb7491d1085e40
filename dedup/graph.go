package dedup

import "sort"

// DuplicateGraph is an undirected graph over detections joined by duplicate
// edges. Connected components are tracked with a disjoint-set forest.
type DuplicateGraph struct {
	parent map[NodeRef]NodeRef
	size   map[NodeRef]int
}

// EquivalenceClass is a connected component of the duplicate graph with its
// single retained member
type EquivalenceClass struct {
	Members  []NodeRef
	Survivor NodeRef
}

// Deleted returns every member except the survivor
func (ec EquivalenceClass) Deleted() []NodeRef {
	out := make([]NodeRef, 0, len(ec.Members)-1)
	for _, m := range ec.Members {
		if m != ec.Survivor {
			out = append(out, m)
		}
	}
	return out
}

// NewDuplicateGraph builds the graph from confirmed duplicate edges
func NewDuplicateGraph(edges []DuplicateEdge) *DuplicateGraph {
	g := &DuplicateGraph{
		parent: make(map[NodeRef]NodeRef),
		size:   make(map[NodeRef]int),
	}
	for _, e := range edges {
		g.AddEdge(e.A, e.B)
	}
	return g
}

// AddEdge joins two detections
func (g *DuplicateGraph) AddEdge(a, b NodeRef) {
	ra, rb := g.find(a), g.find(b)
	if ra == rb {
		return
	}
	if g.size[ra] < g.size[rb] {
		ra, rb = rb, ra
	}
	g.parent[rb] = ra
	g.size[ra] += g.size[rb]
}

func (g *DuplicateGraph) find(n NodeRef) NodeRef {
	p, ok := g.parent[n]
	if !ok {
		g.parent[n] = n
		g.size[n] = 1
		return n
	}
	if p == n {
		return n
	}
	root := g.find(p)
	g.parent[n] = root
	return root
}

// Components returns the connected components. Only nodes touched by an edge
// appear. Members are sorted and components are ordered by their first member.
func (g *DuplicateGraph) Components() [][]NodeRef {
	groups := make(map[NodeRef][]NodeRef)
	for n := range g.parent {
		root := g.find(n)
		groups[root] = append(groups[root], n)
	}

	comps := make([][]NodeRef, 0, len(groups))
	for _, members := range groups {
		sort.Slice(members, func(i, j int) bool { return members[i].less(members[j]) })
		comps = append(comps, members)
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i][0].less(comps[j][0]) })
	return comps
}

// EquivalenceClasses picks one survivor uniformly at random per component
func (g *DuplicateGraph) EquivalenceClasses(rng *Rand) []EquivalenceClass {
	comps := g.Components()
	classes := make([]EquivalenceClass, 0, len(comps))
	for _, members := range comps {
		if len(members) < 2 {
			continue
		}
		classes = append(classes, EquivalenceClass{
			Members:  members,
			Survivor: members[rng.IntN(len(members))],
		})
	}
	return classes
}

// ReduceImageDuplicates keeps one detection per equivalence class and deletes
// the rest from the dataset. Returns the classes and the number removed.
func ReduceImageDuplicates(d *Dataset, edges []DuplicateEdge, rng *Rand) ([]EquivalenceClass, int, error) {
	classes := NewDuplicateGraph(edges).EquivalenceClasses(rng)

	var doomed []NodeRef
	for _, ec := range classes {
		doomed = append(doomed, ec.Deleted()...)
	}

	removed, err := d.RemoveDetections(doomed)
	if err != nil {
		return nil, 0, err
	}
	return classes, removed, nil
}
