package decoder

import (
	"github.com/ieee0824/latticelm-go/vocabulary"
)

// Hypothesis is one decoded word sequence with its scores.
type Hypothesis struct {
	Words        []string `json:"words"` // without <s> and </s>
	AcLogProb    float64  `json:"ac_logprob"`
	LatLMLogProb float64  `json:"lat_lm_logprob"`
	NNLMLogProb  float64  `json:"nnlm_logprob"`
	TotalLogProb float64  `json:"total_logprob"`
}

// NewHypothesis converts a decoded token into words.
func NewHypothesis(tok *Token, vocab *vocabulary.Vocabulary) (Hypothesis, error) {
	ids := tok.History
	if len(ids) > 0 && ids[0] == vocab.SOSID() {
		ids = ids[1:]
	}
	if len(ids) > 0 && ids[len(ids)-1] == vocab.EOSID() {
		ids = ids[:len(ids)-1]
	}
	words, err := vocab.IDsToWords(ids)
	if err != nil {
		return Hypothesis{}, err
	}
	return Hypothesis{
		Words:        words,
		AcLogProb:    tok.AcLogProb,
		LatLMLogProb: tok.LatLMLogProb,
		NNLMLogProb:  tok.NNLMLogProb,
		TotalLogProb: tok.TotalLogProb,
	}, nil
}

// Result holds the N-best list of one lattice.
type Result struct {
	UtteranceID string       `json:"utterance"`
	Hypotheses  []Hypothesis `json:"hypotheses"` // best first
}

// NewResult converts the tokens returned by Decode, keeping at most nbest
// hypotheses. nbest <= 0 keeps all of them.
func NewResult(utteranceID string, toks []*Token, vocab *vocabulary.Vocabulary, nbest int) (*Result, error) {
	if nbest > 0 && len(toks) > nbest {
		toks = toks[:nbest]
	}
	r := &Result{UtteranceID: utteranceID, Hypotheses: make([]Hypothesis, len(toks))}
	for i, tok := range toks {
		h, err := NewHypothesis(tok, vocab)
		if err != nil {
			return nil, err
		}
		r.Hypotheses[i] = h
	}
	return r, nil
}

// Best returns the best hypothesis, or nil if there is none.
func (r *Result) Best() *Hypothesis {
	if len(r.Hypotheses) == 0 {
		return nil
	}
	return &r.Hypotheses[0]
}
