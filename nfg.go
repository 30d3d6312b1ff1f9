// Package nfg models the nodes of a semi-network-form game: a
// Bayesian-network-like game in which each node carries a conditional
// probability table (CPT) over its own value space given its parents'
// values, and decision node CPTs are players' policies rather than
// fixed distributions.
//
// The package provides the node abstractions (DecisionNode,
// ChanceNode), the shape-constrained probability tensors backing them
// (package cpt), and a Game container that partitions decision nodes
// by player and supports the deep copies that level-K solving
// (package levelk) relies on. Forward simulation of full rollouts and
// expected-utility estimation are external collaborators: the solver
// consumes an estimator as a function value.
package nfg

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Game is a container for the nodes of a semi-network-form game. It
// tracks nodes by name in insertion order, partitions decision nodes
// by the player that controls them, and supports deep copying of the
// whole graph.
type Game struct {
	nodes     map[string]Node
	order     []string
	players   []string
	partition map[string][]*DecisionNode
}

// NewGame builds a game from the given nodes. Node names must be
// unique and every parent of every node must itself be one of the
// given nodes. Nodes should be listed in an order where parents
// precede their children, so that iterating Nodes in order is a valid
// simulation order.
func NewGame(nodes ...Node) (*Game, error) {
	g := &Game{
		nodes:     make(map[string]Node, len(nodes)),
		order:     make([]string, 0, len(nodes)),
		partition: make(map[string][]*DecisionNode),
	}
	for _, n := range nodes {
		if _, ok := g.nodes[n.Name()]; ok {
			return nil, errors.Errorf("duplicate node name %s", n.Name())
		}
		g.nodes[n.Name()] = n
		g.order = append(g.order, n.Name())
	}
	for _, n := range nodes {
		for _, p := range n.Parents() {
			if g.nodes[p.Name()] != p {
				return nil, errors.Errorf("parent %s of node %s is not a node of the game", p.Name(), n.Name())
			}
		}
	}
	for _, name := range g.order {
		if d, ok := g.nodes[name].(*DecisionNode); ok {
			g.partition[d.player] = append(g.partition[d.player], d)
		}
	}
	g.players = maps.Keys(g.partition)
	slices.Sort(g.players)
	return g, nil
}

// Node returns the node with the given name.
func (g *Game) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Decision returns the decision node with the given name. It reports
// false if the name is unknown or names a non-decision node.
func (g *Game) Decision(name string) (*DecisionNode, bool) {
	d, ok := g.nodes[name].(*DecisionNode)
	return d, ok
}

// Nodes returns all nodes in insertion order.
func (g *Game) Nodes() []Node {
	result := make([]Node, len(g.order))
	for i, name := range g.order {
		result[i] = g.nodes[name]
	}
	return result
}

// DecisionNodes returns all decision nodes in insertion order.
func (g *Game) DecisionNodes() []*DecisionNode {
	var result []*DecisionNode
	for _, name := range g.order {
		if d, ok := g.nodes[name].(*DecisionNode); ok {
			result = append(result, d)
		}
	}
	return result
}

// Players returns the players controlling at least one decision node,
// in sorted order.
func (g *Game) Players() []string {
	return g.players
}

// Partition returns the decision nodes controlled by player, in
// insertion order.
func (g *Game) Partition(player string) []*DecisionNode {
	return g.partition[player]
}

// Clone returns a fully independent deep copy of the game: every node
// is copied with fresh tensors (live CPT and level policy store) and
// parent links are rewired to the copied nodes. Mutating the copy, or
// simulating against it, never affects the original.
func (g *Game) Clone() *Game {
	clones := make(map[string]Node, len(g.nodes))
	for _, name := range g.order {
		clones[name] = g.nodes[name].cloneDetached()
	}
	for _, name := range g.order {
		orig := g.nodes[name]
		parents := make([]Node, len(orig.Parents()))
		for i, p := range orig.Parents() {
			parents[i] = clones[p.Name()]
		}
		clones[name].attachParents(parents)
	}
	c := &Game{
		nodes:     clones,
		order:     append([]string(nil), g.order...),
		players:   append([]string(nil), g.players...),
		partition: make(map[string][]*DecisionNode, len(g.partition)),
	}
	for _, name := range c.order {
		if d, ok := clones[name].(*DecisionNode); ok {
			c.partition[d.player] = append(c.partition[d.player], d)
		}
	}
	return c
}
