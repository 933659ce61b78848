// Package decoder rescores word lattices with a step scorer. Tokens are
// propagated through the lattice in topological order and every lattice
// node is scored with one batched step.
package decoder

import (
	"log/slog"
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/ieee0824/latticelm-go/lattice"
	"github.com/ieee0824/latticelm-go/network"
	"github.com/ieee0824/latticelm-go/vocabulary"
)

// ErrDecoding is returned when no hypothesis reaches the final node.
var ErrDecoding = errors.New("decoding failed")

// Config holds lattice decoding parameters.
type Config struct {
	NNLMWeight float64 `yaml:"nnlm_weight"` // interpolation weight of the step scorer
	LMScale    float64 `yaml:"lm_scale"`    // language model scaling factor
	// UnkOOV maps words missing from the vocabulary to <unk>. Otherwise
	// such a word is a lookup error.
	UnkOOV bool `yaml:"unk_oov"`
	// UnkPenalty, when set, replaces the step scorer log probability of <unk>.
	UnkPenalty       *float64 `yaml:"unk_penalty"`
	MaxTokensPerNode int      `yaml:"max_tokens_per_node"` // 0 = unlimited
	Beam             float64  `yaml:"beam"`                // log-domain beam width, 0 = disabled
	// WordPenalty is added to the total score of a hypothesis for every
	// lattice word in it.
	WordPenalty float64 `yaml:"word_penalty"`
	// WordLogProbs means the scorer already returns word probabilities, so
	// the class membership probability is not added.
	WordLogProbs bool `yaml:"word_logprobs"`
}

// DefaultConfig returns the parameters of an exact search that scores
// language with the step scorer only.
func DefaultConfig() Config {
	return Config{
		NNLMWeight: 1.0,
		LMScale:    1.0,
	}
}

// Decoder decodes lattices. It holds no per-call state, so one Decoder may
// decode several lattices concurrently if the scorer allows it.
type Decoder struct {
	scorer network.StepScorer
	vocab  *vocabulary.Vocabulary
	cfg    Config
}

// New creates a decoder.
func New(scorer network.StepScorer, vocab *vocabulary.Vocabulary, cfg Config) *Decoder {
	return &Decoder{scorer: scorer, vocab: vocab, cfg: cfg}
}

// Config returns the decoding parameters.
func (d *Decoder) Config() Config {
	return d.cfg
}

// pendingToken is a token waiting for the batched step of its source node.
type pendingToken struct {
	tok    *Token
	wordID int
	dest   *lattice.Node
}

// Decode returns the complete hypotheses of a lattice, each ending in </s>,
// best first.
func (d *Decoder) Decode(lat *lattice.Lattice) ([]*Token, error) {
	if lat.Initial == nil || lat.Final == nil {
		return nil, errors.Wrap(ErrDecoding, "lattice has no initial or final node")
	}
	sorted, err := lat.SortedNodes()
	if err != nil {
		return nil, err
	}

	tokens := make([][]*Token, len(lat.Nodes))
	initial := NewToken([]int{d.vocab.SOSID()}, network.NewRecurrentState(d.scorer.StateSizes(), 1))
	if err := initial.ComputeTotalLogProb(d.cfg.NNLMWeight, d.cfg.LMScale); err != nil {
		return nil, err
	}
	tokens[lat.Initial.ID] = []*Token{initial}

	steps := 0
	for _, node := range sorted {
		if node == lat.Final {
			break
		}
		nodeTokens := tokens[node.ID]
		if len(nodeTokens) == 0 {
			continue
		}
		tokens[node.ID] = nil
		nodeTokens = pruneTokens(nodeTokens, d.cfg.Beam, d.cfg.MaxTokensPerNode)

		var pending []pendingToken
		for _, link := range node.OutLinks {
			wordID := -1
			if !lattice.IsMarkup(link.Word) {
				if wordID, err = d.lookupWord(link.Word); err != nil {
					return nil, errors.WithMessagef(err, "link %d", link.ID)
				}
			}
			for _, tok := range nodeTokens {
				next := tok.Copy()
				next.AccumulateLinkScores(link.AcLogProb, link.LMLogProb)
				if wordID < 0 {
					if err := next.ComputeTotalLogProb(d.cfg.NNLMWeight, d.cfg.LMScale); err != nil {
						return nil, err
					}
					tokens[link.End.ID] = append(tokens[link.End.ID], next)
					continue
				}
				pending = append(pending, pendingToken{tok: next, wordID: wordID, dest: link.End})
			}
		}
		if len(pending) == 0 {
			continue
		}

		toks := make([]*Token, len(pending))
		wordIDs := make([]int, len(pending))
		for i, p := range pending {
			toks[i], wordIDs[i] = p.tok, p.wordID
		}
		if err := d.appendWords(toks, wordIDs); err != nil {
			return nil, errors.WithMessagef(err, "node %d", node.ID)
		}
		steps++
		for _, p := range pending {
			tokens[p.dest.ID] = append(tokens[p.dest.ID], p.tok)
		}
	}

	finalTokens := tokens[lat.Final.ID]
	if len(finalTokens) == 0 {
		return nil, errors.Wrapf(ErrDecoding, "no tokens reached the final node %d", lat.Final.ID)
	}

	result := make([]*Token, len(finalTokens))
	eos := make([]int, len(finalTokens))
	for i, tok := range finalTokens {
		result[i] = tok.Copy()
		eos[i] = d.vocab.EOSID()
	}
	if err := d.appendWords(result, eos); err != nil {
		return nil, errors.WithMessage(err, "final node")
	}
	steps++
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].TotalLogProb > result[j].TotalLogProb
	})

	slog.Debug("lattice decoded",
		"utterance", lat.UtteranceID,
		"nodes", len(lat.Nodes),
		"steps", steps,
		"hypotheses", len(result),
		"best", result[0].TotalLogProb)
	return result, nil
}

func (d *Decoder) lookupWord(word string) (int, error) {
	if id, ok := d.vocab.WordToID(word); ok {
		return id, nil
	}
	if d.cfg.UnkOOV {
		return d.vocab.UnkID(), nil
	}
	return 0, errors.Wrapf(vocabulary.ErrLookup, "word %q is not in the vocabulary", word)
}

// appendWords appends one word to every token, scoring all of them with a
// single step of the scorer.
func (d *Decoder) appendWords(toks []*Token, wordIDs []int) error {
	n := len(toks)
	prevWords := make([]int, n)
	prevClasses := make([]int, n)
	targetClasses := make([]int, n)
	states := make([]*network.RecurrentState, n)
	for i, tok := range toks {
		prevWords[i] = tok.History[len(tok.History)-1]
		var err error
		if prevClasses[i], err = d.vocab.ClassOfWordID(prevWords[i]); err != nil {
			return err
		}
		if targetClasses[i], err = d.vocab.ClassOfWordID(wordIDs[i]); err != nil {
			return err
		}
		states[i] = tok.State
	}

	state, err := network.CombineSequences(states)
	if err != nil {
		return err
	}
	logprobs, batch, err := d.scorer.Step(
		network.IDMatrix(prevWords),
		network.IDMatrix(prevClasses),
		state,
		network.IDMatrix(targetClasses))
	if err != nil {
		return errors.WithMessage(err, "score step")
	}
	if err := network.CheckStepOutput(logprobs, batch, n); err != nil {
		return err
	}

	unk, eos := d.vocab.UnkID(), d.vocab.EOSID()
	for i, tok := range toks {
		tok.History = append(tok.History, wordIDs[i])
		tok.State = batch.Sequence(i)
		if wordIDs[i] != eos {
			tok.PenaltyLogProb += d.cfg.WordPenalty
		}

		lp := logprobs.At(0, i)
		if wordIDs[i] == unk && d.cfg.UnkPenalty != nil {
			lp = *d.cfg.UnkPenalty
		} else if !d.cfg.WordLogProbs {
			memberProb, err := d.vocab.MembershipProb(wordIDs[i])
			if err != nil {
				return err
			}
			lp += math.Log(memberProb)
		}
		tok.NNLMLogProb += lp
		if err := tok.ComputeTotalLogProb(d.cfg.NNLMWeight, d.cfg.LMScale); err != nil {
			return err
		}
	}
	return nil
}

// pruneTokens keeps the tokens within beam of the best total score and at
// most maxTokens of them. Zero disables either limit.
func pruneTokens(toks []*Token, beam float64, maxTokens int) []*Token {
	if len(toks) == 0 || (beam <= 0 && maxTokens <= 0) {
		return toks
	}

	// Beam pruning
	if beam > 0 {
		bestScore := toks[0].TotalLogProb
		for _, tok := range toks[1:] {
			if tok.TotalLogProb > bestScore {
				bestScore = tok.TotalLogProb
			}
		}
		threshold := bestScore - beam
		kept := toks[:0:0]
		for _, tok := range toks {
			if tok.TotalLogProb >= threshold {
				kept = append(kept, tok)
			}
		}
		toks = kept
	}

	// Max tokens pruning
	if maxTokens > 0 && len(toks) > maxTokens {
		sort.SliceStable(toks, func(i, j int) bool {
			return toks[i].TotalLogProb > toks[j].TotalLogProb
		})
		toks = toks[:maxTokens]
	}
	return toks
}
