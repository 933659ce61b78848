package decoder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ieee0824/latticelm-go/internal/mathutil"
	"github.com/ieee0824/latticelm-go/network"
	"github.com/ieee0824/latticelm-go/vocabulary"
)

// Token is a partial hypothesis: a word ID history ending at a lattice node,
// the recurrent state after the history and the accumulated scores.
type Token struct {
	History []int
	State   *network.RecurrentState // single sequence, replaced but never modified

	AcLogProb      float64
	LatLMLogProb   float64 // language model scores of the lattice links
	NNLMLogProb    float64 // scores of the step scorer
	PenaltyLogProb float64 // word insertion penalties

	TotalLogProb float64 // valid when Scored() is true
	scored       bool
}

// NewToken creates an unscored token with zero scores.
func NewToken(history []int, state *network.RecurrentState) *Token {
	return &Token{
		History: append([]int(nil), history...),
		State:   state,
	}
}

// Copy returns a token with its own copy of the history. The state is
// shared.
func (t *Token) Copy() *Token {
	c := *t
	c.History = append(make([]int, 0, len(t.History)+1), t.History...)
	return &c
}

// AccumulateLinkScores adds the scores of a traversed link. The total must
// be recomputed afterwards.
func (t *Token) AccumulateLinkScores(acLogProb, latLMLogProb float64) {
	t.AcLogProb += acLogProb
	t.LatLMLogProb += latLMLogProb
	t.scored = false
}

// ComputeTotalLogProb interpolates the lattice and step scorer language
// model probabilities linearly and combines the result with the acoustic
// score and the word penalties:
//
//	total = ac + penalty + lmScale * log((1-w)*exp(latLM) + w*exp(nnLM))
func (t *Token) ComputeTotalLogProb(nnLMWeight, lmScale float64) error {
	lmLogProb, err := mathutil.InterpolateLogProbs(t.LatLMLogProb, t.NNLMLogProb, nnLMWeight)
	if err != nil {
		return err
	}
	t.TotalLogProb = t.AcLogProb + t.PenaltyLogProb + lmScale*lmLogProb
	t.scored = true
	return nil
}

// Scored reports whether TotalLogProb is up to date.
func (t *Token) Scored() bool {
	return t.scored
}

// String formats the token with word IDs.
func (t *Token) String() string {
	words := make([]string, len(t.History))
	for i, id := range t.History {
		words[i] = strconv.Itoa(id)
	}
	return t.format(words)
}

// Format formats the token with words from vocab. Unknown IDs are shown
// as numbers.
func (t *Token) Format(vocab *vocabulary.Vocabulary) string {
	words := make([]string, len(t.History))
	for i, id := range t.History {
		w, err := vocab.IDToWord(id)
		if err != nil {
			w = strconv.Itoa(id)
		}
		words[i] = w
	}
	return t.format(words)
}

func (t *Token) format(words []string) string {
	total := "-"
	if t.scored {
		total = fmt.Sprintf("%.2f", t.TotalLogProb)
	}
	return fmt.Sprintf("[%s]  acoustic: %.2f  lattice LM: %.2f  NNLM: %.2f  total: %s",
		strings.Join(words, " "), t.AcLogProb, t.LatLMLogProb, t.NNLMLogProb, total)
}
