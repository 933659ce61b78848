package language

import (
	"bufio"
	"compress/gzip"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrFormat is returned for malformed ARPA files.
var ErrFormat = errors.New("ARPA format error")

// LoadARPA reads a language model in ARPA format.
// Log probabilities in ARPA files are base-10; they are converted to natural log.
// The n-gram counts in the \data\ section are checked against the entries read.
func LoadARPA(r io.Reader) (*NGramModel, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	model := NewNGramModel(0)

	counts := make(map[int]int)
	inData := false
	order := 0 // current n-gram section, 0 outside
	ended := false
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == `\data\`:
			inData = true
			continue
		case line == `\end\`:
			ended = true
		case strings.HasPrefix(line, `\`) && strings.HasSuffix(line, "-grams:"):
			n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(line, `\`), "-grams:"))
			if err != nil || n < 1 {
				return nil, errors.Wrapf(ErrFormat, "line %d: invalid section header %q", lineNum, line)
			}
			inData = false
			order = n
			continue
		}
		if ended {
			break
		}

		if inData {
			if !strings.HasPrefix(line, "ngram ") {
				return nil, errors.Wrapf(ErrFormat, "line %d: unexpected %q in \\data\\ section", lineNum, line)
			}
			n, c, err := parseCount(line[len("ngram "):])
			if err != nil {
				return nil, errors.WithMessagef(err, "line %d", lineNum)
			}
			counts[n] = c
			continue
		}
		if order == 0 {
			continue // text before \data\
		}
		if err := parseNGramLine(model, order, line); err != nil {
			return nil, errors.WithMessagef(err, "line %d", lineNum)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read ARPA")
	}
	if model.Order == 0 {
		return nil, errors.Wrap(ErrFormat, "no n-grams found")
	}
	for n, c := range counts {
		if got := model.NumNGrams(n); got != c {
			return nil, errors.Wrapf(ErrFormat, "header declares %d %d-grams, read %d", c, n, got)
		}
	}

	slog.Debug("ARPA model loaded", "order", model.Order, "unigrams", model.NumNGrams(1))
	return model, nil
}

// LoadARPAFile reads an ARPA model from a file, decompressing it if the
// name ends in .gz.
func LoadARPAFile(path string) (*NGramModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open language model")
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "decompress language model %s", path)
		}
		defer gz.Close()
		r = gz
	}

	model, err := LoadARPA(r)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return model, nil
}

func parseCount(s string) (order, count int, err error) {
	left, right, ok := strings.Cut(s, "=")
	if !ok {
		return 0, 0, errors.Wrapf(ErrFormat, "invalid n-gram count %q", s)
	}
	order, err1 := strconv.Atoi(strings.TrimSpace(left))
	count, err2 := strconv.Atoi(strings.TrimSpace(right))
	if err1 != nil || err2 != nil || order < 1 || count < 0 {
		return 0, 0, errors.Wrapf(ErrFormat, "invalid n-gram count %q", s)
	}
	return order, count, nil
}

func parseNGramLine(model *NGramModel, order int, line string) error {
	fields := strings.Fields(line)
	if len(fields) != order+1 && len(fields) != order+2 {
		return errors.Wrapf(ErrFormat, "%d fields for a %d-gram", len(fields), order)
	}

	logProb, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return errors.Wrapf(ErrFormat, "invalid log probability %q", fields[0])
	}
	// Convert base-10 to natural log
	logProb *= math.Ln10

	var logBackoff float64
	if len(fields) == order+2 {
		bo, err := strconv.ParseFloat(fields[order+1], 64)
		if err != nil {
			return errors.Wrapf(ErrFormat, "invalid backoff weight %q", fields[order+1])
		}
		logBackoff = bo * math.Ln10
	}

	model.Add(fields[1:order+1], logProb, logBackoff)
	return nil
}
