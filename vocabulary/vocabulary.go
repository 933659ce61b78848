// Package vocabulary maps words to word IDs and to word classes.
//
// A Vocabulary always contains the special words <s>, </s> and <unk>, each in
// its own class with membership probability 1. Other words are grouped into
// classes whose membership probabilities sum to one, so that a word
// probability can be factored into a class probability and a membership
// probability. When no classes are wanted every word forms a class of its own.
//
// Vocabularies are built once by FromWords, FromReader, FromWordCounts or
// FromCorpus and are read-only afterwards.
package vocabulary

import (
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Special words.
const (
	SentenceStart = "<s>"
	SentenceEnd   = "</s>"
	Unknown       = "<unk>"
)

var (
	// ErrFormat is returned for malformed vocabulary input.
	ErrFormat = errors.New("vocabulary format error")
	// ErrLookup is returned when a word, word ID or class ID does not exist.
	ErrLookup = errors.New("vocabulary lookup error")
)

// Vocabulary provides the mapping between words, word IDs and class IDs.
type Vocabulary struct {
	// FirstNormalWordID is the first word ID that was not inserted as a
	// special word.
	FirstNormalWordID int
	// FirstNormalClassID is the first class ID that was not created for a
	// special word.
	FirstNormalClassID int

	idToWord        []string
	wordToID        map[string]int
	wordIDToClassID []int
	classes         []*WordClass
}

// newVocabulary prepends the missing special words to a user vocabulary and
// shifts the word and class IDs accordingly. wordToClassID maps each word of
// idToWord to an index in classes, whose members are indices in idToWord.
// The classes are normalized.
func newVocabulary(idToWord []string, wordToClassID map[string]int, classes []*WordClass) *Vocabulary {
	v := &Vocabulary{}

	for _, special := range []string{SentenceStart, SentenceEnd, Unknown} {
		if _, ok := wordToClassID[special]; ok {
			continue
		}
		wordID := len(v.idToWord)
		classID := len(v.classes)
		v.idToWord = append(v.idToWord, special)
		v.wordIDToClassID = append(v.wordIDToClassID, classID)
		v.classes = append(v.classes, NewWordClass(classID, wordID, 1.0))
	}
	v.FirstNormalWordID = len(v.idToWord)
	v.FirstNormalClassID = len(v.classes)

	v.idToWord = append(v.idToWord, idToWord...)
	v.wordToID = make(map[string]int, len(v.idToWord))
	for id, word := range v.idToWord {
		v.wordToID[word] = id
	}
	for _, word := range idToWord {
		v.wordIDToClassID = append(v.wordIDToClassID, v.FirstNormalClassID+wordToClassID[word])
	}

	for i, class := range classes {
		class.ID = v.FirstNormalClassID + i
		class.offset(v.FirstNormalWordID)
		class.NormalizeProbs()
	}
	v.classes = append(v.classes, classes...)

	slog.Debug("vocabulary created",
		"words", len(v.idToWord),
		"classes", len(v.classes),
		"specials", v.FirstNormalWordID)
	return v
}

// NumWords returns the number of words, special words included.
func (v *Vocabulary) NumWords() int {
	return len(v.idToWord)
}

// NumClasses returns the number of word classes, special classes included.
func (v *Vocabulary) NumClasses() int {
	return len(v.classes)
}

// Contains reports whether word is in the vocabulary.
func (v *Vocabulary) Contains(word string) bool {
	_, ok := v.wordToID[word]
	return ok
}

// Words returns all words ordered by word ID.
func (v *Vocabulary) Words() []string {
	return append([]string(nil), v.idToWord...)
}

// WordToID returns the ID of a word.
func (v *Vocabulary) WordToID(word string) (int, bool) {
	id, ok := v.wordToID[word]
	return id, ok
}

// WordToIDOrUnk returns the ID of a word, or the ID of <unk> if the word is
// not in the vocabulary.
func (v *Vocabulary) WordToIDOrUnk(word string) int {
	if id, ok := v.wordToID[word]; ok {
		return id
	}
	return v.UnkID()
}

// WordsToIDs translates words into word IDs, mapping unknown words to <unk>.
func (v *Vocabulary) WordsToIDs(words []string) []int {
	ids := make([]int, len(words))
	for i, w := range words {
		ids[i] = v.WordToIDOrUnk(w)
	}
	return ids
}

// IDToWord returns the word with the given ID.
func (v *Vocabulary) IDToWord(id int) (string, error) {
	if id < 0 || id >= len(v.idToWord) {
		return "", errors.Wrapf(ErrLookup, "word ID %d out of range", id)
	}
	return v.idToWord[id], nil
}

// IDsToWords translates word IDs into words.
func (v *Vocabulary) IDsToWords(ids []int) ([]string, error) {
	words := make([]string, len(ids))
	for i, id := range ids {
		w, err := v.IDToWord(id)
		if err != nil {
			return nil, err
		}
		words[i] = w
	}
	return words, nil
}

// SOSID returns the ID of <s>.
func (v *Vocabulary) SOSID() int { return v.wordToID[SentenceStart] }

// EOSID returns the ID of </s>.
func (v *Vocabulary) EOSID() int { return v.wordToID[SentenceEnd] }

// UnkID returns the ID of <unk>.
func (v *Vocabulary) UnkID() int { return v.wordToID[Unknown] }

// ClassOfWord returns the class ID of a word.
func (v *Vocabulary) ClassOfWord(word string) (int, error) {
	id, ok := v.wordToID[word]
	if !ok {
		return 0, errors.Wrapf(ErrLookup, "word %q not in vocabulary", word)
	}
	return v.wordIDToClassID[id], nil
}

// ClassOfWordID returns the class ID of a word ID.
func (v *Vocabulary) ClassOfWordID(id int) (int, error) {
	if id < 0 || id >= len(v.wordIDToClassID) {
		return 0, errors.Wrapf(ErrLookup, "word ID %d out of range", id)
	}
	return v.wordIDToClassID[id], nil
}

// Class returns the word class with the given ID.
func (v *Vocabulary) Class(classID int) (*WordClass, error) {
	if classID < 0 || classID >= len(v.classes) {
		return nil, errors.Wrapf(ErrLookup, "class ID %d out of range", classID)
	}
	return v.classes[classID], nil
}

// MembershipProb returns the probability of a word within its class.
func (v *Vocabulary) MembershipProb(wordID int) (float64, error) {
	classID, err := v.ClassOfWordID(wordID)
	if err != nil {
		return 0, err
	}
	return v.classes[classID].Prob(wordID)
}

// SampleWord draws a word ID from the membership distribution of a class.
// If classes are not used, the only word of the class is returned.
func (v *Vocabulary) SampleWord(classID int, src rand.Source) (int, error) {
	class, err := v.Class(classID)
	if err != nil {
		return 0, err
	}
	return class.Sample(src), nil
}

// ClassLabel returns a name for the class of a word: the word itself if the
// class contains only that word, otherwise CLASS-nnnnn.
func (v *Vocabulary) ClassLabel(wordID int) (string, error) {
	classID, err := v.ClassOfWordID(wordID)
	if err != nil {
		return "", err
	}
	return v.ClassLabelOfClass(classID)
}

// ClassLabelOfClass is ClassLabel for a class ID.
func (v *Vocabulary) ClassLabelOfClass(classID int) (string, error) {
	class, err := v.Class(classID)
	if err != nil {
		return "", err
	}
	switch {
	case class.Len() == 1:
		return v.idToWord[class.wordIDs[0]], nil
	case class.ID == NoClassID:
		return "CLASS", nil
	default:
		return fmt.Sprintf("CLASS-%05d", class.ID), nil
	}
}
