package nfg

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/timpalpant/go-nfg/cpt"
)

// Nature is the player that owns chance nodes.
const Nature = "nature"

// Node is a node of the game graph. The two implementations provided
// by this package are DecisionNode, whose CPT is a player's policy,
// and ChanceNode, whose CPT is a fixed natural distribution. Decision
// node parents must expose a discrete value space, which every Node
// does.
type Node interface {
	// Name uniquely identifies the node within a game.
	Name() string
	// Player is the player that controls the node; Nature for chance
	// nodes.
	Player() string
	// Space is the node's ordered value space.
	Space() Space
	// Value is the node's current value, always a member of Space.
	Value() Value
	// SetValue replaces the current value. The candidate must be a
	// member of Space under the node value equality rule.
	SetValue(Value) error
	// Parents returns the node's parents in CPT axis order.
	Parents() []Node

	// cloneDetached returns a deep copy of the node with its parent
	// links left unset; Game.Clone rewires parents once every node in
	// the graph has been copied.
	cloneDetached() Node
	attachParents([]Node)
}

// cptShape computes the CPT shape implied by an ordered parent list
// and an own value space: one leading dimension per parent, in parent
// order, followed by the own space size.
func cptShape(parents []Node, space Space) []int {
	shape := make([]int, 0, len(parents)+1)
	for _, p := range parents {
		shape = append(shape, len(p.Space()))
	}
	return append(shape, len(space))
}

// resolveParentIndex maps a partial assignment of parent values to a
// tuple of parent space indices. Parents present in input use the
// supplied value; all others fall back to their current value. Values
// are resolved to indices with the node value equality rule.
func resolveParentIndex(parents []Node, input map[string]Value) ([]int, error) {
	idx := make([]int, len(parents))
	for i, p := range parents {
		v, ok := input[p.Name()]
		if !ok {
			v = p.Value()
		}
		j, ok := p.Space().Index(v)
		if !ok {
			return nil, errors.Errorf("value %v is not in %s's space", v, p.Name())
		}
		idx[i] = j
	}
	return idx, nil
}

// ChanceNode is a node whose CPT is a fixed distribution determined by
// nature rather than trained as a policy. It exists so that decision
// nodes can condition on stochastic (or, with a one-hot CPT,
// deterministic) parents.
type ChanceNode struct {
	name    string
	space   Space
	parents []Node
	value   Value
	table   *cpt.Table
	rng     *rand.Rand
}

// NewChanceNode constructs a chance node with the given fixed
// distribution. table must match the shape implied by the parents'
// spaces and the node's own space.
func NewChanceNode(name string, space Space, table *cpt.Table, parents ...Node) (*ChanceNode, error) {
	if len(space) == 0 {
		return nil, errors.Errorf("chance node %s must have a non-empty space", name)
	}
	want := cpt.New(cptShape(parents, space)...)
	if !table.SameShape(want) {
		return nil, errors.Errorf("CPT shape %v for %s does not match required shape %v",
			table.Shape(), name, want.Shape())
	}
	if table.IsZero() {
		return nil, errors.Errorf("CPT for %s is all zeros", name)
	}
	return &ChanceNode{
		name:    name,
		space:   space,
		parents: parents,
		value:   space[0],
		table:   table.Clone(),
		rng:     rand.New(rand.NewSource(rand.Int63())),
	}, nil
}

// Name implements Node.
func (c *ChanceNode) Name() string { return c.name }

// Player implements Node. Chance nodes belong to Nature.
func (c *ChanceNode) Player() string { return Nature }

// Space implements Node.
func (c *ChanceNode) Space() Space { return c.space }

// Value implements Node.
func (c *ChanceNode) Value() Value { return c.value }

// Parents implements Node.
func (c *ChanceNode) Parents() []Node { return c.parents }

// SetValue implements Node.
func (c *ChanceNode) SetValue(v Value) error {
	if _, ok := c.space.Index(v); !ok {
		return errors.Errorf("value %v is not in %s's space", v, c.name)
	}
	c.value = v
	return nil
}

// CPT returns the node's fixed distribution.
func (c *ChanceNode) CPT() *cpt.Table { return c.table }

// Prob returns the probability of valueInput (or the current value,
// if nil) conditioned on the parent values in parentInput, falling
// back to parents' current values for any parent not supplied.
func (c *ChanceNode) Prob(parentInput map[string]Value, valueInput Value) (float64, error) {
	idx, err := resolveParentIndex(c.parents, parentInput)
	if err != nil {
		return 0, errors.Wrapf(err, "resolving CPT index for %s", c.name)
	}
	if valueInput == nil {
		valueInput = c.value
	}
	col, ok := c.space.Index(valueInput)
	if !ok {
		return 0, errors.Errorf("value %v is not in %s's space", valueInput, c.name)
	}
	return c.table.Row(c.table.RowIndex(idx))[col], nil
}

// DrawValue samples a value from the node's distribution conditioned
// on the parents as in Prob, and replaces the current value with the
// draw if setValue is true.
func (c *ChanceNode) DrawValue(parentInput map[string]Value, setValue bool) (Value, error) {
	idx, err := resolveParentIndex(c.parents, parentInput)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving CPT index for %s", c.name)
	}
	col := c.table.SampleRow(c.table.RowIndex(idx), c.rng)
	v := c.space[col]
	if setValue {
		c.value = v
	}
	return v, nil
}

func (c *ChanceNode) cloneDetached() Node {
	return &ChanceNode{
		name:  c.name,
		space: c.space,
		value: c.value,
		table: c.table.Clone(),
		rng:   rand.New(rand.NewSource(rand.Int63())),
	}
}

func (c *ChanceNode) attachParents(parents []Node) { c.parents = parents }

// String implements Stringer.
func (c *ChanceNode) String() string { return c.name }
