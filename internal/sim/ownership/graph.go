// Package ownership holds the detached passenger tree moved as one unit by a
// relocation. While detached the tree lives only in the Graph: nodes are
// values in an arena addressed by index, and the live entities carry no
// riding links.
package ownership

import "warpline.ai/internal/sim/entity"

type node struct {
	ent      *entity.Entity
	parent   int
	children []int
}

type Graph struct {
	nodes []node
}

// Detach captures root and every transitive passenger breadth-first, clearing
// the riding links on the live entities as it goes. The caller must be running
// on the region that owns root. root must not itself be a passenger.
func Detach(root *entity.Entity) *Graph {
	g := &Graph{nodes: []node{{ent: root, parent: -1}}}
	for i := 0; i < len(g.nodes); i++ {
		cur := g.nodes[i].ent
		passengers := cur.Passengers()
		for _, p := range passengers {
			idx := len(g.nodes)
			g.nodes = append(g.nodes, node{ent: p, parent: i})
			g.nodes[i].children = append(g.nodes[i].children, idx)
		}
		cur.EjectPassengers()
	}
	return g
}

func (g *Graph) Root() *entity.Entity { return g.nodes[0].ent }
func (g *Graph) Len() int             { return len(g.nodes) }

// Each visits nodes in breadth-first order; parent is nil for the root.
func (g *Graph) Each(fn func(e, parent *entity.Entity)) {
	for _, n := range g.nodes {
		var parent *entity.Entity
		if n.parent >= 0 {
			parent = g.nodes[n.parent].ent
		}
		fn(n.ent, parent)
	}
}

func (g *Graph) Entities() []*entity.Entity {
	out := make([]*entity.Entity, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n.ent)
	}
	return out
}

// MapNodes replaces every node's entity with fn(entity), keeping the shape.
func (g *Graph) MapNodes(fn func(*entity.Entity) *entity.Entity) {
	for i := range g.nodes {
		g.nodes[i].ent = fn(g.nodes[i].ent)
	}
}

// Restore relinks every node to its recorded vehicle in the original
// passenger order, then seats passengers relative to their vehicles top-down.
// The caller must be running on the region that now owns the nodes.
func (g *Graph) Restore() error {
	for _, n := range g.nodes {
		for _, c := range n.children {
			if err := g.nodes[c].ent.StartRiding(n.ent); err != nil {
				return err
			}
		}
	}
	for _, n := range g.nodes {
		for _, c := range n.children {
			n.ent.PositionPassenger(g.nodes[c].ent)
		}
	}
	return nil
}
