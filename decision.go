package nfg

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/timpalpant/go-nfg/cpt"
)

// DecisionNode is a decision node of the semi-network-form game
// formalism: a node controlled by a player, whose CPT represents that
// player's policy rather than a fixed natural distribution. The CPT is
// all zeros at construction (the "uninitialized" sentinel); it must be
// populated with UniformCPT, RandomCPT, SetCPT, or level-K training
// before it can be sampled or queried.
type DecisionNode struct {
	name    string
	player  string
	space   Space
	parents []Node
	value   Value
	table   *cpt.Table

	// levels is the node's level policy store: the policy recorded for
	// this node at each level of a level-K solving session, keyed by
	// level. Entries are written once and never mutated in place.
	levels map[int]*cpt.Table

	rng *rand.Rand
}

// NewDecisionNode constructs a decision node owned by player, with the
// given ordered value space and parents. The parent order fixes the
// leading axes of the CPT; the current value defaults to the first
// space element.
func NewDecisionNode(name, player string, space Space, parents ...Node) (*DecisionNode, error) {
	if len(space) == 0 {
		return nil, errors.Errorf("decision node %s must have a non-empty space", name)
	}
	for _, p := range parents {
		if len(p.Space()) == 0 {
			return nil, errors.Errorf("parent %s of decision node %s has an empty space", p.Name(), name)
		}
	}
	return &DecisionNode{
		name:    name,
		player:  player,
		space:   space,
		parents: parents,
		value:   space[0],
		table:   cpt.New(cptShape(parents, space)...),
		levels:  make(map[int]*cpt.Table),
		rng:     rand.New(rand.NewSource(rand.Int63())),
	}, nil
}

// Name implements Node.
func (d *DecisionNode) Name() string { return d.name }

// Player implements Node.
func (d *DecisionNode) Player() string { return d.player }

// Space implements Node.
func (d *DecisionNode) Space() Space { return d.space }

// Value implements Node.
func (d *DecisionNode) Value() Value { return d.value }

// Parents implements Node.
func (d *DecisionNode) Parents() []Node { return d.parents }

// SetValue implements Node.
func (d *DecisionNode) SetValue(v Value) error {
	if _, ok := d.space.Index(v); !ok {
		return errors.Errorf("value %v is not in %s's space", v, d.name)
	}
	d.value = v
	return nil
}

// CPT returns the node's live policy table. Callers must not mutate
// rows of the returned table directly; use the CPT generation and
// perturbation methods instead.
func (d *DecisionNode) CPT() *cpt.Table { return d.table }

// SetCPT replaces the live policy table. The replacement must match
// the node's CPT shape exactly.
func (d *DecisionNode) SetCPT(t *cpt.Table) error {
	if !t.SameShape(d.table) {
		return errors.Errorf("CPT shape %v does not match %s's shape %v", t.Shape(), d.name, d.table.Shape())
	}
	d.table = t
	return nil
}

// rowIndex resolves a partial parent assignment to a CPT row number,
// falling back to parents' current values for any parent not supplied.
func (d *DecisionNode) rowIndex(parentInput map[string]Value) (int, error) {
	idx, err := resolveParentIndex(d.parents, parentInput)
	if err != nil {
		return 0, errors.Wrapf(err, "resolving CPT index for %s", d.name)
	}
	return d.table.RowIndex(idx), nil
}

func (d *DecisionNode) checkInitialized() error {
	if d.table.IsZero() {
		return errors.Errorf("CPT for %s is uninitialized (all zeros)", d.name)
	}
	return nil
}

// Prob returns the conditional probability of valueInput (or the
// current value, if nil) given the parent values in parentInput, with
// unspecified parents falling back to their current values. It fails
// if the CPT is still the all-zero sentinel.
func (d *DecisionNode) Prob(parentInput map[string]Value, valueInput Value) (float64, error) {
	if err := d.checkInitialized(); err != nil {
		return 0, err
	}
	row, err := d.rowIndex(parentInput)
	if err != nil {
		return 0, err
	}
	if valueInput == nil {
		valueInput = d.value
	}
	col, ok := d.space.Index(valueInput)
	if !ok {
		return 0, errors.Errorf("value %v is not in %s's space", valueInput, d.name)
	}
	return d.table.Row(row)[col], nil
}

// LogProb returns the natural logarithm of Prob. The result is -Inf
// when the underlying probability is exactly zero; callers aggregating
// log likelihoods must be prepared for that.
func (d *DecisionNode) LogProb(parentInput map[string]Value, valueInput Value) (float64, error) {
	p, err := d.Prob(parentInput, valueInput)
	if err != nil {
		return 0, err
	}
	return math.Log(p), nil
}

// DrawValue samples a value from the node's policy conditioned on the
// parents as in Prob. With mode true the draw is deterministic: the
// arg-max action, ties broken by first occurrence. If setValue is true
// the draw also replaces the node's current value. It fails if the CPT
// is still the all-zero sentinel.
func (d *DecisionNode) DrawValue(parentInput map[string]Value, setValue, mode bool) (Value, error) {
	if err := d.checkInitialized(); err != nil {
		return nil, err
	}
	row, err := d.rowIndex(parentInput)
	if err != nil {
		return nil, err
	}
	var col int
	if mode {
		col = d.table.ArgMaxRow(row)
	} else {
		col = d.table.SampleRow(row, d.rng)
	}
	v := d.space[col]
	if setValue {
		d.value = v
	}
	return v, nil
}

// RandomCPT replaces the live CPT with a random policy: a mixed policy
// drawn uniformly from the simplex per parent configuration when mixed
// is true, or an independent one-hot per configuration otherwise. It
// returns the new table.
func (d *DecisionNode) RandomCPT(mixed bool) *cpt.Table {
	if mixed {
		d.table.FillRandomMixed(d.rng)
	} else {
		d.table.FillRandomPure(d.rng)
	}
	return d.table
}

// UniformCPT replaces the live CPT with the uniform policy and returns
// the new table.
func (d *DecisionNode) UniformCPT() *cpt.Table {
	d.table.FillUniform()
	return d.table
}

// PerturbCPT blends the live CPT toward a freshly drawn mixed random
// CPT: new = old*(1-noise) + random*noise, with noise in [0, 1]. If
// sliver is non-empty only the single parent-configuration row it
// selects is perturbed; sliver values for unspecified parents fall
// back to the parents' current values. Pure-mode perturbation is a
// named gap and fails with cpt.ErrPurePerturb.
func (d *DecisionNode) PerturbCPT(noise float64, mixed bool, sliver map[string]Value) error {
	if !mixed {
		return cpt.ErrPurePerturb
	}
	if len(sliver) == 0 {
		return d.table.Perturb(noise, d.rng)
	}
	row, err := d.rowIndex(sliver)
	if err != nil {
		return err
	}
	return d.table.PerturbRow(row, noise, d.rng)
}

// LevelPolicy returns the policy recorded for the given level of a
// level-K solving session, if one exists. The returned table is the
// stored entry itself and must not be modified.
func (d *DecisionNode) LevelPolicy(level int) (*cpt.Table, bool) {
	t, ok := d.levels[level]
	return t, ok
}

// SetLevelPolicy records a policy for the given level. Entries are
// write-once: recording a level twice within a session is an error, as
// is a policy whose shape does not match the node's CPT shape. The
// store keeps its own copy of t.
func (d *DecisionNode) SetLevelPolicy(level int, t *cpt.Table) error {
	if !t.SameShape(d.table) {
		return errors.Errorf("Level%d policy shape %v does not match %s's CPT shape %v",
			level, t.Shape(), d.name, d.table.Shape())
	}
	if _, ok := d.levels[level]; ok {
		return errors.Errorf("%s already has a Level%d policy", d.name, level)
	}
	d.levels[level] = t.Clone()
	return nil
}

// PromoteLevel overwrites the live CPT with a copy of the policy
// stored for the given level.
func (d *DecisionNode) PromoteLevel(level int) error {
	t, ok := d.levels[level]
	if !ok {
		return errors.Errorf("%s has no Level%d policy", d.name, level)
	}
	d.table = t.Clone()
	return nil
}

func (d *DecisionNode) cloneDetached() Node {
	levels := make(map[int]*cpt.Table, len(d.levels))
	for level, t := range d.levels {
		levels[level] = t.Clone()
	}
	return &DecisionNode{
		name:   d.name,
		player: d.player,
		// Spaces and their values are immutable by convention and may
		// be shared between copies.
		space:  d.space,
		value:  d.value,
		table:  d.table.Clone(),
		levels: levels,
		rng:    rand.New(rand.NewSource(rand.Int63())),
	}
}

func (d *DecisionNode) attachParents(parents []Node) { d.parents = parents }

// String implements Stringer.
func (d *DecisionNode) String() string { return d.name }
