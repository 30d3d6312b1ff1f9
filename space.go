package nfg

// A Value is one admissible value of a node. Scalar values may be any
// comparable type (ints, floats, strings, small structs); vector
// values are []float64 and compare elementwise. Values are treated as
// immutable once placed in a Space: callers must not modify a vector
// value after handing it to a node.
type Value interface{}

// ValueEqual reports whether two values are equal under the node value
// equality rule: elementwise equality for vector values, == for
// scalars. A vector and a scalar are never equal.
func ValueEqual(a, b Value) bool {
	av, aok := a.([]float64)
	bv, bok := b.([]float64)
	if aok || bok {
		if !aok || !bok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	}
	return a == b
}

// Space is the ordered sequence of admissible values for a node. The
// order is significant: it fixes the axis ordering of every CPT
// conditioned on the node, and of the node's own CPT trailing axis.
type Space []Value

// Index returns the position of v within the space, resolved with
// ValueEqual, and whether v is a member at all. Spaces are small, so
// lookup is a linear scan; this also keeps vector-valued spaces
// working without requiring values to be hashable.
func (s Space) Index(v Value) (int, bool) {
	for i, m := range s {
		if ValueEqual(m, v) {
			return i, true
		}
	}
	return 0, false
}
