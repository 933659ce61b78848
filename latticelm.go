// Package latticelm rescores word lattices with a class-based language
// model evaluated one word at a time.
package latticelm

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"

	"github.com/ieee0824/latticelm-go/decoder"
	"github.com/ieee0824/latticelm-go/language"
	"github.com/ieee0824/latticelm-go/lattice"
	"github.com/ieee0824/latticelm-go/network"
	"github.com/ieee0824/latticelm-go/vocabulary"
)

// Rescorer is the top-level lattice rescorer.
type Rescorer struct {
	Vocab  *vocabulary.Vocabulary
	Scorer network.StepScorer
	DecCfg decoder.Config

	OOVLogProb        float64 // OOV unigram log10 probability (e.g. -5.0). 0 = disable.
	Workers           int     // lattices decoded in parallel by RescoreFiles
	UseLatticeLMScale bool    // use the lmscale and wdpenalty of the lattice file when it has them
	NBest             int     // hypotheses kept per lattice, 0 = all
	CacheSize         int     // n-gram score cache entries, 0 = default

	form    norm.Form
	useForm bool
}

// Option configures a Rescorer.
type Option func(*Rescorer)

// WithDecoderConfig sets custom decoder parameters.
func WithDecoderConfig(cfg decoder.Config) Option {
	return func(r *Rescorer) {
		r.DecCfg = cfg
	}
}

// WithOOVLogProb sets the OOV unigram probability in log10 (e.g. -5.0).
func WithOOVLogProb(log10prob float64) Option {
	return func(r *Rescorer) {
		r.OOVLogProb = log10prob
	}
}

// WithWorkers sets the number of lattices decoded concurrently.
func WithWorkers(n int) Option {
	return func(r *Rescorer) {
		r.Workers = n
	}
}

// WithLatticeLMScale enables or disables taking the LM scale and the word
// penalty from the lattice header.
func WithLatticeLMScale(enabled bool) Option {
	return func(r *Rescorer) {
		r.UseLatticeLMScale = enabled
	}
}

// WithNBest limits the number of hypotheses returned per lattice.
func WithNBest(n int) Option {
	return func(r *Rescorer) {
		r.NBest = n
	}
}

// WithCacheSize sets the size of the n-gram score cache.
func WithCacheSize(n int) Option {
	return func(r *Rescorer) {
		r.CacheSize = n
	}
}

// WithUnicodeForm normalizes the words of vocabularies and lattices.
func WithUnicodeForm(form norm.Form) Option {
	return func(r *Rescorer) {
		r.form = form
		r.useForm = true
	}
}

func newRescorer(opts []Option) *Rescorer {
	r := &Rescorer{
		DecCfg:  decoder.DefaultConfig(),
		Workers: 1,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.Workers < 1 {
		r.Workers = 1
	}
	return r
}

// NewRescorer creates a Rescorer from a vocabulary file and an ARPA
// language model over its class labels.
func NewRescorer(vocabPath string, format vocabulary.Format, lmPath string, opts ...Option) (*Rescorer, error) {
	r := newRescorer(opts)

	var vocabOpts []vocabulary.Option
	if r.useForm {
		vocabOpts = append(vocabOpts, vocabulary.WithUnicodeForm(r.form))
	}
	vocab, err := vocabulary.FromFile(vocabPath, format, vocabOpts...)
	if err != nil {
		return nil, errors.WithMessage(err, "load vocabulary")
	}
	r.Vocab = vocab

	lm, err := language.LoadARPAFile(lmPath)
	if err != nil {
		return nil, errors.WithMessage(err, "load language model")
	}
	// Apply OOV log probability to LM
	if r.OOVLogProb != 0 {
		lm.OOVLogProb = r.OOVLogProb * math.Ln10 // convert log10 to natural log
	}

	r.Scorer, err = language.NewClassNGramScorer(lm, vocab, r.CacheSize)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// NewRescorerFromModels creates a Rescorer from a loaded vocabulary and
// scorer. RescoreFiles calls the scorer from several goroutines when more
// than one worker is configured.
func NewRescorerFromModels(vocab *vocabulary.Vocabulary, scorer network.StepScorer, opts ...Option) *Rescorer {
	r := newRescorer(opts)
	r.Vocab = vocab
	r.Scorer = scorer
	return r
}

// Rescore decodes one lattice.
func (r *Rescorer) Rescore(lat *lattice.Lattice) (*decoder.Result, error) {
	return r.RescoreWith(lat, r.DecCfg)
}

// RescoreWith decodes one lattice with the given decoder parameters instead
// of r.DecCfg.
func (r *Rescorer) RescoreWith(lat *lattice.Lattice, cfg decoder.Config) (*decoder.Result, error) {
	if r.UseLatticeLMScale {
		if lat.LMScale > 0 {
			cfg.LMScale = lat.LMScale
		}
		if lat.WordPenalty != 0 {
			cfg.WordPenalty = lat.WordPenalty
		}
	}
	toks, err := decoder.New(r.Scorer, r.Vocab, cfg).Decode(lat)
	if err != nil {
		return nil, errors.WithMessagef(err, "utterance %s", lat.UtteranceID)
	}
	return decoder.NewResult(lat.UtteranceID, toks, r.Vocab, r.NBest)
}

// ReadLattice reads an SLF lattice file, normalizing its words like the
// vocabulary.
func (r *Rescorer) ReadLattice(path string) (*lattice.Lattice, error) {
	var opts []lattice.Option
	if r.useForm {
		opts = append(opts, lattice.WithUnicodeForm(r.form))
	}
	return lattice.ReadSLFFile(path, opts...)
}

// RescoreFile reads an SLF lattice and decodes it.
func (r *Rescorer) RescoreFile(path string) (*decoder.Result, error) {
	lat, err := r.ReadLattice(path)
	if err != nil {
		return nil, err
	}
	return r.Rescore(lat)
}

// FileResult is the outcome of rescoring one lattice file.
type FileResult struct {
	Path   string
	Result *decoder.Result
	Err    error
}

// RescoreFiles decodes lattice files on r.Workers goroutines. Results are in
// the order of paths; a failed file does not stop the others. done, if not
// nil, is called after each file.
func (r *Rescorer) RescoreFiles(paths []string, done func(FileResult)) []FileResult {
	results := make([]FileResult, len(paths))
	var wg sync.WaitGroup
	var mu sync.Mutex
	sem := make(chan struct{}, r.Workers)

	for i, path := range paths {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, path string) {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := r.RescoreFile(path)
			results[i] = FileResult{Path: path, Result: res, Err: err}
			if done != nil {
				mu.Lock()
				done(results[i])
				mu.Unlock()
			}
		}(i, path)
	}
	wg.Wait()
	return results
}
