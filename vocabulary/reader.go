package vocabulary

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// Format identifies a vocabulary file layout.
type Format int

const (
	// FormatWords has one word per line; every word gets its own class.
	FormatWords Format = iota
	// FormatClasses has "word class-id" per line. Class IDs are integers
	// that are remapped to consecutive IDs in order of first appearance.
	FormatClasses
	// FormatSRILMClasses has "class prob word" per line, as written by
	// SRILM ngram-class.
	FormatSRILMClasses
)

var formatNames = map[Format]string{
	FormatWords:        "words",
	FormatClasses:      "classes",
	FormatSRILMClasses: "srilm-classes",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "Format(" + strconv.Itoa(int(f)) + ")"
}

// ParseFormat converts a format name ("words", "classes" or
// "srilm-classes") to a Format.
func ParseFormat(name string) (Format, error) {
	for f, n := range formatNames {
		if n == name {
			return f, nil
		}
	}
	return 0, errors.Errorf("unknown vocabulary format %q", name)
}

// Option configures vocabulary reading.
type Option func(*readOptions)

type readOptions struct {
	form    norm.Form
	useForm bool
}

// WithUnicodeForm normalizes every word read from input to the given form.
func WithUnicodeForm(form norm.Form) Option {
	return func(o *readOptions) {
		o.form = form
		o.useForm = true
	}
}

// entry is one parsed vocabulary line.
type entry struct {
	word      string
	fileClass string
	hasClass  bool
	prob      float64
}

func parseLine(format Format, fields []string) (entry, error) {
	switch {
	case format == FormatWords && len(fields) == 1:
		return entry{word: fields[0], prob: 1.0}, nil
	case format == FormatClasses && len(fields) == 2:
		if _, err := strconv.Atoi(fields[1]); err != nil {
			return entry{}, errors.Wrapf(ErrFormat, "invalid class ID %q", fields[1])
		}
		return entry{word: fields[0], fileClass: fields[1], hasClass: true, prob: 1.0}, nil
	case format == FormatSRILMClasses && len(fields) == 3:
		prob, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return entry{}, errors.Wrapf(ErrFormat, "invalid membership probability %q", fields[1])
		}
		if prob < 0 {
			return entry{}, errors.Wrapf(ErrFormat, "negative membership probability %v", prob)
		}
		return entry{word: fields[2], fileClass: fields[0], hasClass: true, prob: prob}, nil
	}
	return entry{}, errors.Wrapf(ErrFormat, "%d fields on one line of %s vocabulary", len(fields), format)
}

// builder collects words into classes before the special words are added.
type builder struct {
	idToWord      []string
	wordToClassID map[string]int
	classes       []*WordClass
	fileToClassID map[string]int
}

func newBuilder() *builder {
	return &builder{
		wordToClassID: make(map[string]int),
		fileToClassID: make(map[string]int),
	}
}

func (b *builder) add(e entry) error {
	if _, ok := b.wordToClassID[e.word]; ok {
		return errors.Wrapf(ErrFormat, "word %q appears more than once", e.word)
	}
	wordID := len(b.idToWord)
	b.idToWord = append(b.idToWord, e.word)

	classID, ok := b.fileToClassID[e.fileClass]
	if e.hasClass && ok {
		b.classes[classID].Add(wordID, e.prob)
	} else {
		classID = len(b.classes)
		b.classes = append(b.classes, NewWordClass(classID, wordID, e.prob))
		if e.hasClass {
			b.fileToClassID[e.fileClass] = classID
		}
	}
	b.wordToClassID[e.word] = classID
	return nil
}

func (b *builder) build() (*Vocabulary, error) {
	for _, c := range b.classes {
		sum := 0.0
		for _, p := range c.probs {
			sum += p
		}
		if sum <= 0 {
			return nil, errors.Wrapf(ErrFormat, "membership probabilities of class %d sum to zero", c.ID)
		}
	}
	return newVocabulary(b.idToWord, b.wordToClassID, b.classes), nil
}

// FromWords creates a vocabulary with one class per word.
func FromWords(words []string) (*Vocabulary, error) {
	b := newBuilder()
	for _, w := range words {
		if err := b.add(entry{word: w, prob: 1.0}); err != nil {
			return nil, err
		}
	}
	return b.build()
}

// FromReader reads a vocabulary and possibly word classes in the given format.
func FromReader(r io.Reader, format Format, opts ...Option) (*Vocabulary, error) {
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}

	b := newBuilder()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		e, err := parseLine(format, fields)
		if err != nil {
			return nil, errors.WithMessagef(err, "line %d", lineNum)
		}
		if o.useForm {
			e.word = o.form.String(e.word)
		}
		if err := b.add(e); err != nil {
			return nil, errors.WithMessagef(err, "line %d", lineNum)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read vocabulary")
	}
	return b.build()
}

// FromFile is a convenience wrapper that opens a file path.
func FromFile(path string, format Format, opts ...Option) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open vocabulary")
	}
	defer f.Close()
	v, err := FromReader(f, format, opts...)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return v, nil
}

// WordCount is the number of occurrences of a word in a corpus.
type WordCount struct {
	Word  string
	Count int
}

// FromWordCounts creates a vocabulary and dummy classes from word counts.
//
// Words are sorted by ascending count (ties keep the input order) and dealt
// round-robin into numClasses classes, so the classes are balanced by
// frequency rather than meaningful. numClasses <= 0 creates one class per
// word. Counts of <s>, </s> and <unk> are ignored.
func FromWordCounts(counts []WordCount, numClasses int) (*Vocabulary, error) {
	sorted := make([]WordCount, 0, len(counts))
	for _, wc := range counts {
		// special words always get reserved singleton classes
		if wc.Word == SentenceStart || wc.Word == SentenceEnd || wc.Word == Unknown {
			continue
		}
		sorted = append(sorted, wc)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Count < sorted[j].Count
	})
	if numClasses <= 0 {
		numClasses = len(sorted)
	}

	b := newBuilder()
	classID := 0
	for _, wc := range sorted {
		if _, ok := b.wordToClassID[wc.Word]; ok {
			return nil, errors.Wrapf(ErrFormat, "word %q counted more than once", wc.Word)
		}
		wordID := len(b.idToWord)
		b.idToWord = append(b.idToWord, wc.Word)
		if classID < len(b.classes) {
			b.classes[classID].Add(wordID, 1.0)
		} else {
			b.classes = append(b.classes, NewWordClass(classID, wordID, 1.0))
		}
		b.wordToClassID[wc.Word] = classID
		classID = (classID + 1) % numClasses
	}
	return b.build()
}

// CountWords counts whitespace-separated words in the given texts. Words are
// returned in order of first appearance.
func CountWords(readers ...io.Reader) ([]WordCount, error) {
	index := make(map[string]int)
	var counts []WordCount
	for _, r := range readers {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		for scanner.Scan() {
			for _, w := range strings.Fields(scanner.Text()) {
				i, ok := index[w]
				if !ok {
					i = len(counts)
					index[w] = i
					counts = append(counts, WordCount{Word: w})
				}
				counts[i].Count++
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, errors.Wrap(err, "read corpus")
		}
	}
	return counts, nil
}

// FromCorpus creates a vocabulary from the word counts of training texts.
func FromCorpus(readers []io.Reader, numClasses int) (*Vocabulary, error) {
	counts, err := CountWords(readers...)
	if err != nil {
		return nil, err
	}
	return FromWordCounts(counts, numClasses)
}
