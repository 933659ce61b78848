// Package evaluate scores decoded hypotheses against reference transcripts.
package evaluate

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/ieee0824/latticelm-go/decoder"
)

// EditDistance computes the Levenshtein edit distance between two word sequences.
func EditDistance(a, b []string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	// Use single-row DP to save memory.
	prev := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	cur := make([]int, lb+1)
	for i := 1; i <= la; i++ {
		cur[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[lb]
}

// Score accumulates word errors over utterances.
type Score struct {
	Errors     int // substitutions, insertions and deletions
	RefWords   int
	Utterances int
	Correct    int // utterances decoded without errors
}

// Add scores one hypothesis against its reference.
func (s *Score) Add(ref, hyp []string) {
	e := EditDistance(ref, hyp)
	s.Errors += e
	s.RefWords += len(ref)
	s.Utterances++
	if e == 0 {
		s.Correct++
	}
}

// WER returns the word error rate, or 0 when there are no reference words.
func (s Score) WER() float64 {
	if s.RefWords == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.RefWords)
}

// References maps utterance IDs to reference word sequences.
type References map[string][]string

// LoadReferences reads transcripts in the format "utterance-id word word ...",
// one utterance per line.
func LoadReferences(r io.Reader) (References, error) {
	refs := make(References)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if _, ok := refs[fields[0]]; ok {
			return nil, errors.Errorf("line %d: utterance %q appears more than once", lineNum, fields[0])
		}
		refs[fields[0]] = fields[1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read references")
	}
	return refs, nil
}

// LoadReferencesFile is a convenience wrapper that opens a file path.
func LoadReferencesFile(path string) (References, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open references")
	}
	defer f.Close()
	refs, err := LoadReferences(f)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return refs, nil
}

// Evaluate scores the best hypothesis of every result. Results without a
// reference are returned in missing and not scored.
func (refs References) Evaluate(results []*decoder.Result) (score Score, missing []string) {
	for _, res := range results {
		ref, ok := refs[res.UtteranceID]
		if !ok {
			missing = append(missing, res.UtteranceID)
			continue
		}
		var hyp []string
		if best := res.Best(); best != nil {
			hyp = best.Words
		}
		score.Add(ref, hyp)
	}
	return score, missing
}
