package network

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// StepScorer is a sequence model that predicts the next class for a batch of
// sequences, one time step at a time.
//
// All ID matrices have shape 1 x N, one column per sequence, with integer IDs
// stored as float64.
type StepScorer interface {
	// StateSizes returns the size of every recurrent layer. Sizes must be
	// positive. A zero state of these sizes is the state before the first
	// step.
	StateSizes() []int

	// Step computes, for every sequence, the log probability of
	// targetClassIDs given the previous word and class and the current
	// recurrent state. It returns the 1 x N log probabilities and the state
	// after the step.
	Step(wordInput, classInput *mat.Dense, state *RecurrentState, targetClassIDs *mat.Dense) (*mat.Dense, *RecurrentState, error)
}

// IDMatrix packs IDs into a 1 x len(ids) matrix.
func IDMatrix(ids []int) *mat.Dense {
	data := make([]float64, len(ids))
	for i, id := range ids {
		data[i] = float64(id)
	}
	return mat.NewDense(1, len(ids), data)
}

// IDs unpacks a 1 x N ID matrix.
func IDs(m mat.Matrix) ([]int, error) {
	r, c := m.Dims()
	if r != 1 {
		return nil, errors.Wrapf(ErrShape, "ID matrix has %d rows, want 1", r)
	}
	ids := make([]int, c)
	for i := range ids {
		ids[i] = int(m.At(0, i))
	}
	return ids, nil
}

// CheckStepOutput verifies that a step produced results for n sequences.
func CheckStepOutput(logprobs *mat.Dense, state *RecurrentState, n int) error {
	if logprobs == nil || state == nil {
		return errors.Wrap(ErrShape, "step returned no output")
	}
	if r, c := logprobs.Dims(); r != 1 || c != n {
		return errors.Wrapf(ErrShape, "step returned %dx%d log probabilities, want 1x%d", r, c, n)
	}
	if state.NumSequences() != n {
		return errors.Wrapf(ErrShape, "step returned state for %d sequences, want %d", state.NumSequences(), n)
	}
	return nil
}
