// Package network defines the interface to an external sequence probability
// model that is evaluated one time step at a time for a batch of sequences.
package network

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrShape is returned when matrices or states do not have the expected
// dimensions.
var ErrShape = errors.New("shape mismatch")

// RecurrentState holds the state of every recurrent layer for a batch of
// sequences. Layer i is a numSequences x size[i] matrix.
//
// A state is never modified after it has been created. Operations that
// update a state return a new one, so a single-sequence state can be shared
// by any number of hypotheses.
type RecurrentState struct {
	layers []*mat.Dense
	n      int
}

// NewRecurrentState returns a zero-initialized state for numSequences
// sequences with the given layer sizes.
func NewRecurrentState(sizes []int, numSequences int) *RecurrentState {
	s := &RecurrentState{layers: make([]*mat.Dense, len(sizes)), n: numSequences}
	for i, size := range sizes {
		s.layers[i] = mat.NewDense(numSequences, size, nil)
	}
	return s
}

// FromLayers wraps layer matrices into a state. Every layer must have the
// same number of rows.
func FromLayers(layers []*mat.Dense) (*RecurrentState, error) {
	if len(layers) == 0 {
		return &RecurrentState{}, nil
	}
	n, _ := layers[0].Dims()
	for i, l := range layers[1:] {
		if r, _ := l.Dims(); r != n {
			return nil, errors.Wrapf(ErrShape, "layer %d has %d sequences, layer 0 has %d", i+1, r, n)
		}
	}
	return &RecurrentState{layers: layers, n: n}, nil
}

// NumSequences returns the batch size.
func (s *RecurrentState) NumSequences() int {
	return s.n
}

// NumLayers returns the number of recurrent layers.
func (s *RecurrentState) NumLayers() int {
	return len(s.layers)
}

// Layer returns the state matrix of layer i. It must not be modified.
func (s *RecurrentState) Layer(i int) mat.Matrix {
	return s.layers[i]
}

// Sizes returns the layer sizes.
func (s *RecurrentState) Sizes() []int {
	sizes := make([]int, len(s.layers))
	for i, l := range s.layers {
		_, sizes[i] = l.Dims()
	}
	return sizes
}

// Sequence extracts the state of sequence i as a new single-sequence state.
func (s *RecurrentState) Sequence(i int) *RecurrentState {
	out := &RecurrentState{layers: make([]*mat.Dense, len(s.layers)), n: 1}
	for j, l := range s.layers {
		row := append([]float64(nil), l.RawRowView(i)...)
		out.layers[j] = mat.NewDense(1, len(row), row)
	}
	return out
}

// CombineSequences stacks single or multi-sequence states with equal layer
// sizes into one batch, in order.
func CombineSequences(states []*RecurrentState) (*RecurrentState, error) {
	if len(states) == 0 {
		return nil, errors.Wrap(ErrShape, "no states to combine")
	}
	sizes := states[0].Sizes()
	total := 0
	for i, st := range states {
		if st.NumLayers() != len(sizes) {
			return nil, errors.Wrapf(ErrShape, "state %d has %d layers, want %d", i, st.NumLayers(), len(sizes))
		}
		for j, size := range st.Sizes() {
			if size != sizes[j] {
				return nil, errors.Wrapf(ErrShape, "state %d layer %d has size %d, want %d", i, j, size, sizes[j])
			}
		}
		total += st.n
	}

	out := &RecurrentState{layers: make([]*mat.Dense, len(sizes)), n: total}
	for j, size := range sizes {
		data := make([]float64, 0, total*size)
		for _, st := range states {
			for r := 0; r < st.n; r++ {
				data = append(data, st.layers[j].RawRowView(r)...)
			}
		}
		out.layers[j] = mat.NewDense(total, size, data)
	}
	return out, nil
}
