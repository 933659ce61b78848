package language

import (
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/ieee0824/latticelm-go/network"
	"github.com/ieee0824/latticelm-go/vocabulary"
)

// DefaultCacheSize is the number of scored n-grams kept by a ClassNGramScorer.
const DefaultCacheSize = 1 << 16

// ClassNGramScorer evaluates an n-gram model over class labels as a
// network.StepScorer. Class labels come from
// vocabulary.Vocabulary.ClassLabelOfClass, so a model trained on words scores
// a vocabulary of singleton classes exactly.
//
// The recurrent state is a single layer holding the classes before the
// previous one, oldest first, stored as classID+1 so that the zero state is
// an empty history. The previous class itself is the class input of each
// step.
type ClassNGramScorer struct {
	model *NGramModel
	vocab *vocabulary.Vocabulary
	width int
	cache *lru.Cache
}

// NewClassNGramScorer creates a scorer. cacheSize <= 0 selects DefaultCacheSize.
func NewClassNGramScorer(model *NGramModel, vocab *vocabulary.Vocabulary, cacheSize int) (*ClassNGramScorer, error) {
	if model == nil || vocab == nil {
		return nil, errors.New("n-gram scorer needs a model and a vocabulary")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create score cache")
	}
	return &ClassNGramScorer{
		model: model,
		vocab: vocab,
		width: max(model.Order-2, 1),
		cache: cache,
	}, nil
}

// StateSizes implements network.StepScorer.
func (s *ClassNGramScorer) StateSizes() []int {
	return []int{s.width}
}

// Step implements network.StepScorer.
func (s *ClassNGramScorer) Step(wordInput, classInput *mat.Dense, state *network.RecurrentState, targetClassIDs *mat.Dense) (*mat.Dense, *network.RecurrentState, error) {
	prev, err := network.IDs(classInput)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "class input")
	}
	targets, err := network.IDs(targetClassIDs)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "target classes")
	}
	n := len(prev)
	if len(targets) != n || state == nil || state.NumSequences() != n || state.NumLayers() != 1 {
		return nil, nil, errors.Wrapf(network.ErrShape, "step inputs disagree on batch size %d", n)
	}
	if r, c := wordInput.Dims(); r != 1 || c != n {
		return nil, nil, errors.Wrapf(network.ErrShape, "word input is %dx%d, want 1x%d", r, c, n)
	}
	if sizes := state.Sizes(); sizes[0] != s.width {
		return nil, nil, errors.Wrapf(network.ErrShape, "state width %d, want %d", sizes[0], s.width)
	}

	older := state.Layer(0)
	logprobs := make([]float64, n)
	next := mat.NewDense(n, s.width, nil)
	for i := 0; i < n; i++ {
		var history []string
		for j := 0; j < s.width; j++ {
			id := int(older.At(i, j)) - 1
			if id < 0 {
				continue
			}
			label, err := s.vocab.ClassLabelOfClass(id)
			if err != nil {
				return nil, nil, err
			}
			history = append(history, label)
		}
		label, err := s.vocab.ClassLabelOfClass(prev[i])
		if err != nil {
			return nil, nil, err
		}
		history = append(history, label)

		target, err := s.vocab.ClassLabelOfClass(targets[i])
		if err != nil {
			return nil, nil, err
		}
		logprobs[i] = s.logProb(history, target)

		for j := 0; j < s.width-1; j++ {
			next.Set(i, j, older.At(i, j+1))
		}
		next.Set(i, s.width-1, float64(prev[i]+1))
	}

	newState, err := network.FromLayers([]*mat.Dense{next})
	if err != nil {
		return nil, nil, err
	}
	return mat.NewDense(1, n, logprobs), newState, nil
}

func (s *ClassNGramScorer) logProb(history []string, word string) float64 {
	key := strings.Join(history, " ") + "\x00" + word
	if v, ok := s.cache.Get(key); ok {
		return v.(float64)
	}
	lp := s.model.LogProb(history, word)
	s.cache.Add(key, lp)
	return lp
}
