package vocabulary

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// NoClassID marks a class that has no stable identifier.
const NoClassID = -1

// WordClass is a collection of words and their membership probabilities.
//
// Without a class-based model every class holds exactly one word. Weights are
// not required to sum to one until NormalizeProbs has been called.
type WordClass struct {
	ID int

	wordIDs []int
	probs   []float64
	index   map[int]int // word ID -> position in wordIDs/probs
}

// NewWordClass creates a class that initially contains one word.
func NewWordClass(id, wordID int, prob float64) *WordClass {
	c := &WordClass{ID: id, index: make(map[int]int)}
	c.Add(wordID, prob)
	return c
}

// Add inserts a word with the given weight, or overwrites the weight of a
// word that is already a member. Insertion order is kept.
func (c *WordClass) Add(wordID int, prob float64) {
	if i, ok := c.index[wordID]; ok {
		c.probs[i] = prob
		return
	}
	c.index[wordID] = len(c.wordIDs)
	c.wordIDs = append(c.wordIDs, wordID)
	c.probs = append(c.probs, prob)
}

// Prob returns the membership weight of a word.
func (c *WordClass) Prob(wordID int) (float64, error) {
	i, ok := c.index[wordID]
	if !ok {
		return 0, errors.Wrapf(ErrLookup, "word %d is not a member of class %d", wordID, c.ID)
	}
	return c.probs[i], nil
}

// NormalizeProbs divides every weight by the sum of the weights.
// The class must not be empty and its weights must not sum to zero.
func (c *WordClass) NormalizeProbs() {
	sum := 0.0
	for _, p := range c.probs {
		sum += p
	}
	for i := range c.probs {
		c.probs[i] /= sum
	}
}

// Len returns the number of member words.
func (c *WordClass) Len() int {
	return len(c.wordIDs)
}

// WordIDs returns the member word IDs in insertion order.
func (c *WordClass) WordIDs() []int {
	return append([]int(nil), c.wordIDs...)
}

// Sample draws one word ID from the membership distribution using the
// current weights. A nil src uses the global random source.
func (c *WordClass) Sample(src rand.Source) int {
	if len(c.wordIDs) == 1 {
		return c.wordIDs[0]
	}
	dist := distuv.NewCategorical(c.probs, src)
	return c.wordIDs[int(dist.Rand())]
}

// offset shifts every member word ID by delta.
func (c *WordClass) offset(delta int) {
	c.index = make(map[int]int, len(c.wordIDs))
	for i := range c.wordIDs {
		c.wordIDs[i] += delta
		c.index[c.wordIDs[i]] = i
	}
}
