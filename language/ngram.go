// Package language provides a backoff n-gram language model and a step
// scorer that evaluates it over vocabulary classes.
package language

import (
	"strings"

	"github.com/ieee0824/latticelm-go/internal/mathutil"
)

// NGramModel represents a backoff n-gram language model of any order.
// Probabilities are natural log.
type NGramModel struct {
	Order int
	// OOVLogProb is returned for words missing from the unigram table.
	OOVLogProb float64

	ngrams []map[string]ngramEntry // index = order-1, key = words joined by a space
}

type ngramEntry struct {
	LogProb    float64
	LogBackoff float64
}

// NewNGramModel creates an empty n-gram model.
func NewNGramModel(order int) *NGramModel {
	m := &NGramModel{OOVLogProb: mathutil.LogZero}
	m.setOrder(order)
	return m
}

func (m *NGramModel) setOrder(order int) {
	for len(m.ngrams) < order {
		m.ngrams = append(m.ngrams, make(map[string]ngramEntry))
	}
	if order > m.Order {
		m.Order = order
	}
}

// Add stores an n-gram. The order is len(words).
func (m *NGramModel) Add(words []string, logProb, logBackoff float64) {
	m.setOrder(len(words))
	m.ngrams[len(words)-1][strings.Join(words, " ")] = ngramEntry{LogProb: logProb, LogBackoff: logBackoff}
}

// NumNGrams returns the number of n-grams of the given order.
func (m *NGramModel) NumNGrams(order int) int {
	if order < 1 || order > len(m.ngrams) {
		return 0
	}
	return len(m.ngrams[order-1])
}

func (m *NGramModel) lookup(words []string) (ngramEntry, bool) {
	if len(words) == 0 || len(words) > len(m.ngrams) {
		return ngramEntry{}, false
	}
	e, ok := m.ngrams[len(words)-1][strings.Join(words, " ")]
	return e, ok
}

// LogProb returns the log probability of a word given its history.
// Only the last Order-1 history words are used. Missing n-grams back off
// to shorter contexts, adding the backoff weight of the context.
func (m *NGramModel) LogProb(history []string, word string) float64 {
	if n := m.Order - 1; len(history) > n {
		history = history[len(history)-n:]
	}
	return m.logProb(history, word)
}

func (m *NGramModel) logProb(history []string, word string) float64 {
	if len(history) == 0 {
		if e, ok := m.lookup([]string{word}); ok {
			return e.LogProb
		}
		return m.OOVLogProb
	}

	ngram := make([]string, len(history)+1)
	copy(ngram, history)
	ngram[len(history)] = word
	if e, ok := m.lookup(ngram); ok {
		return e.LogProb
	}

	lp := m.logProb(history[1:], word)
	if e, ok := m.lookup(history); ok {
		lp += e.LogBackoff
	}
	return lp
}

// SentenceLogProb returns the total log probability of a sentence (word sequence).
// Automatically adds <s> at the beginning and </s> at the end.
func (m *NGramModel) SentenceLogProb(words []string) float64 {
	total := 0.0
	history := []string{"<s>"}
	for _, w := range words {
		total += m.LogProb(history, w)
		history = append(history, w)
	}
	total += m.LogProb(history, "</s>")
	return total
}

// Vocab returns all words in the unigram vocabulary.
func (m *NGramModel) Vocab() []string {
	if len(m.ngrams) == 0 {
		return nil
	}
	words := make([]string, 0, len(m.ngrams[0]))
	for w := range m.ngrams[0] {
		words = append(words, w)
	}
	return words
}
