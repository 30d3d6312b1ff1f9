// Package cpt implements the conditional probability tables attached
// to the nodes of a semi-network-form game.
//
// A Table is a dense tensor whose leading axes are indexed by the
// joint configuration of a node's parents and whose trailing axis is
// indexed by the node's own value space. Once populated, every
// trailing slice (row) of a Table is a probability simplex: entries
// are nonnegative and sum to 1. A freshly constructed Table is all
// zeros; that state is the "uninitialized" sentinel and is rejected by
// consumers that need a real distribution.
package cpt

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// simplexM is the integer range used by the order-statistics simplex
// draw in FillRandomMixed. k-1 cut points are drawn uniformly from
// [1, simplexM) and the gaps between consecutive sorted cut points
// form the row, giving an (approximately) uniform draw over the
// probability simplex rather than the center-biased distribution that
// normalizing independent uniforms would produce.
const simplexM = 100000000

// ErrPurePerturb is returned by pure-mode perturbation, which is a
// known gap: shifting one-hot rows by a noise fraction does not keep
// them on the simplex, so until a pure perturbation rule is designed
// the operation fails loudly instead of producing unnormalized rows.
var ErrPurePerturb = errors.New("pure-mode perturbation is not implemented")

// Table is a conditional probability table with the shape
// (|parent_1|, ..., |parent_n|, k), where k is the size of the owning
// node's value space. Data is stored row-major; a "row" is one
// trailing slice, i.e. the distribution over the node's own values for
// one joint parent configuration. A node with no parents has a single
// row.
type Table struct {
	shape []int
	data  []float64
}

// New returns an all-zero Table with the given shape. The final
// dimension is the owning node's value space size; any leading
// dimensions are the parents' space sizes in parent order. New panics
// if the shape is empty or has a nonpositive dimension, since that can
// only arise from a programming error upstream (spaces are validated
// at node construction).
func New(shape ...int) *Table {
	if len(shape) == 0 {
		panic("cpt: table must have at least one dimension")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("cpt: invalid dimension %d in shape %v", d, shape))
		}
		n *= d
	}
	return &Table{
		shape: append([]int(nil), shape...),
		data:  make([]float64, n),
	}
}

// NewFromData returns a Table with the given shape wrapping a copy of
// data, which must have exactly prod(shape) entries. It is the way to
// construct an explicit prior policy.
func NewFromData(shape []int, data []float64) (*Table, error) {
	t := New(shape...)
	if len(data) != len(t.data) {
		return nil, errors.Errorf("cpt: data has %d entries, shape %v requires %d",
			len(data), shape, len(t.data))
	}
	copy(t.data, data)
	return t, nil
}

// Shape returns a copy of the Table's shape.
func (t *Table) Shape() []int {
	return append([]int(nil), t.shape...)
}

// NumCols returns the size of the trailing (own-value) axis.
func (t *Table) NumCols() int {
	return t.shape[len(t.shape)-1]
}

// NumRows returns the number of joint parent configurations, i.e. the
// product of the leading dimensions. A Table with no leading
// dimensions has one row.
func (t *Table) NumRows() int {
	return len(t.data) / t.NumCols()
}

// Row returns the i-th row as a mutable view into the Table.
func (t *Table) Row(i int) []float64 {
	k := t.NumCols()
	return t.data[i*k : (i+1)*k]
}

// RowIndex maps a tuple of parent space indices to a row number.
// parentIdx must have one entry per leading dimension.
func (t *Table) RowIndex(parentIdx []int) int {
	if len(parentIdx) != len(t.shape)-1 {
		panic(fmt.Sprintf("cpt: got %d parent indices for shape %v", len(parentIdx), t.shape))
	}
	row := 0
	for i, idx := range parentIdx {
		if idx < 0 || idx >= t.shape[i] {
			panic(fmt.Sprintf("cpt: parent index %d out of range for dimension %d of shape %v", idx, i, t.shape))
		}
		row = row*t.shape[i] + idx
	}
	return row
}

// RowCoords is the inverse of RowIndex: it decomposes a row number
// into the tuple of parent space indices it corresponds to.
func (t *Table) RowCoords(row int) []int {
	coords := make([]int, len(t.shape)-1)
	for i := len(coords) - 1; i >= 0; i-- {
		coords[i] = row % t.shape[i]
		row /= t.shape[i]
	}
	return coords
}

// At returns the entry at a full coordinate tuple: one index per
// parent followed by an index into the own-value axis.
func (t *Table) At(idx ...int) float64 {
	n := len(t.shape)
	if len(idx) != n {
		panic(fmt.Sprintf("cpt: got %d indices for shape %v", len(idx), t.shape))
	}
	col := idx[n-1]
	if col < 0 || col >= t.NumCols() {
		panic(fmt.Sprintf("cpt: value index %d out of range for shape %v", col, t.shape))
	}
	return t.Row(t.RowIndex(idx[:n-1]))[col]
}

// Clone returns a fully independent deep copy.
func (t *Table) Clone() *Table {
	c := New(t.shape...)
	copy(c.data, t.data)
	return c
}

// SameShape reports whether o has exactly the same shape as t.
// Tables of equal total size but different shape do not match; shape
// mismatches are never broadcast away.
func (t *Table) SameShape(o *Table) bool {
	if len(t.shape) != len(o.shape) {
		return false
	}
	for i, d := range t.shape {
		if o.shape[i] != d {
			return false
		}
	}
	return true
}

// IsZero reports whether the Table is still the all-zero
// "uninitialized" sentinel.
func (t *Table) IsZero() bool {
	for _, v := range t.data {
		if v != 0 {
			return false
		}
	}
	return true
}

// FillUniform sets every entry to 1/k where k is the own-value axis
// size, making every row the uniform distribution.
func (t *Table) FillUniform() {
	p := 1 / float64(t.NumCols())
	for i := range t.data {
		t.data[i] = p
	}
}

// FillRandomPure makes every row an independently drawn one-hot
// vector: all probability mass on a single uniformly chosen value.
func (t *Table) FillRandomPure(rng *rand.Rand) {
	k := t.NumCols()
	for i := 0; i < t.NumRows(); i++ {
		row := t.Row(i)
		for j := range row {
			row[j] = 0
		}
		row[rng.Intn(k)] = 1
	}
}

// FillRandomMixed makes every row an independent draw from the
// (approximately) uniform distribution over the probability simplex,
// using the order-statistics construction described on simplexM.
func (t *Table) FillRandomMixed(rng *rand.Rand) {
	k := t.NumCols()
	cuts := make([]float64, k+1)
	for i := 0; i < t.NumRows(); i++ {
		cuts[0] = 0
		for j := 1; j < k; j++ {
			cuts[j] = float64(1 + rng.Intn(simplexM-1))
		}
		cuts[k] = simplexM
		sort.Float64s(cuts)
		row := t.Row(i)
		for j := range row {
			row[j] = (cuts[j+1] - cuts[j]) / simplexM
		}
	}
}

// Perturb blends the whole Table toward a freshly drawn mixed random
// Table: new = old*(1-noise) + random*noise. noise must be in [0, 1].
// Rows remain on the simplex because the blend is convex.
func (t *Table) Perturb(noise float64, rng *rand.Rand) error {
	if err := checkNoise(noise); err != nil {
		return err
	}
	alt := New(t.shape...)
	alt.FillRandomMixed(rng)
	floats.Scale(1-noise, t.data)
	floats.AddScaled(t.data, noise, alt.data)
	return nil
}

// PerturbRow blends a single row (one parent-configuration "sliver")
// toward a fresh mixed simplex draw, leaving all other rows untouched.
func (t *Table) PerturbRow(row int, noise float64, rng *rand.Rand) error {
	if err := checkNoise(noise); err != nil {
		return err
	}
	if row < 0 || row >= t.NumRows() {
		return errors.Errorf("cpt: row %d out of range, table has %d rows", row, t.NumRows())
	}
	alt := New(t.NumCols())
	alt.FillRandomMixed(rng)
	r := t.Row(row)
	floats.Scale(1-noise, r)
	floats.AddScaled(r, noise, alt.data)
	return nil
}

func checkNoise(noise float64) error {
	if noise < 0 || noise > 1 {
		return errors.Errorf("cpt: noise must be in [0, 1], got %v", noise)
	}
	return nil
}

// SampleRow draws a value index from row i by inverting the row's CDF:
// a uniform draw in [0, 1) selects the first index whose cumulative
// probability reaches it.
func (t *Table) SampleRow(i int, rng *rand.Rand) int {
	row := t.Row(i)
	cdf := make([]float64, len(row))
	floats.CumSum(cdf, row)
	u := rng.Float64()
	for j, c := range cdf {
		if c >= u {
			return j
		}
	}
	// Only reachable if the row sums to slightly less than 1 due to
	// floating point; the draw then belongs to the final bucket.
	return len(row) - 1
}

// ArgMaxRow returns the index of the largest entry in row i, breaking
// ties in favor of the first occurrence.
func (t *Table) ArgMaxRow(i int) int {
	return floats.MaxIdx(t.Row(i))
}

// PureFromUtility converts an expected-utility table into a pure
// policy: each row places all probability mass on the action with the
// maximum expected utility, ties broken by first occurrence.
func PureFromUtility(u *Table) *Table {
	t := New(u.shape...)
	for i := 0; i < u.NumRows(); i++ {
		t.Row(i)[floats.MaxIdx(u.Row(i))] = 1
	}
	return t
}

// LogitFromUtility converts an expected-utility table into a logit
// (quantal response) policy: each row is softmax(beta * utility) with
// inverse temperature beta. Rows are shifted by their maximum before
// exponentiating so large utilities do not overflow.
func LogitFromUtility(u *Table, beta float64) *Table {
	t := New(u.shape...)
	for i := 0; i < u.NumRows(); i++ {
		src := u.Row(i)
		row := t.Row(i)
		max := floats.Max(src)
		for j, v := range src {
			row[j] = math.Exp(beta * (v - max))
		}
		floats.Scale(1/floats.Sum(row), row)
	}
	return t
}

// String implements Stringer, one row per parent configuration.
func (t *Table) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Table %v:", t.shape)
	for i := 0; i < t.NumRows(); i++ {
		fmt.Fprintf(&sb, " %v=%.4v", t.RowCoords(i), t.Row(i))
	}
	sb.WriteString("]")
	return sb.String()
}
