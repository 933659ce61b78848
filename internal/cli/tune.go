package cli

import (
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	latticelm "github.com/ieee0824/latticelm-go"
	"github.com/ieee0824/latticelm-go/decoder"
	"github.com/ieee0824/latticelm-go/evaluate"
	"github.com/ieee0824/latticelm-go/lattice"
)

type paramSet struct {
	NNLMWeight float64
	LMScale    float64
}

type tuneResult struct {
	params paramSet
	score  evaluate.Score
	failed int
}

func (c *CLI) newTuneCommand() *cobra.Command {
	var flags Config
	var weightsStr, scalesStr, latticeList string

	cmd := &cobra.Command{
		Use:   "tune [lattice...]",
		Short: "Grid search interpolation weight and LM scale against reference transcripts",
		Example: `  # Try five weights and three LM scales
  latticelm tune -c decode.yaml --reference text --nnlm-weights 0,0.25,0.5,0.75,1 --lm-scales 8,10,12 *.slf`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			cfg = mergeFlags(cmd, cfg, flags)
			if !cmd.Flags().Changed("workers") && c.configPath == "" {
				cfg.Workers = runtime.NumCPU()
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.LatticeLMScale {
				// the grid sets the LM scale
				slog.Warn("Ignoring the lmscale and wdpenalty of lattice files while tuning")
				cfg.LatticeLMScale = false
			}
			if cfg.Vocabulary == "" || cfg.LanguageModel == "" || cfg.References == "" {
				return errors.New("a vocabulary, a language model and references are required")
			}

			// Parse grid parameters
			weights, err := parseFloats(weightsStr)
			if err != nil {
				return err
			}
			scales, err := parseFloats(scalesStr)
			if err != nil {
				return err
			}
			var grid []paramSet
			for _, w := range weights {
				if w < 0 || w > 1 {
					return errors.Errorf("NNLM weight %v is not between 0 and 1", w)
				}
				for _, s := range scales {
					grid = append(grid, paramSet{NNLMWeight: w, LMScale: s})
				}
			}
			if len(grid) == 0 {
				return errors.New("empty parameter grid")
			}

			paths := args
			if latticeList != "" {
				listed, err := readLines(latticeList)
				if err != nil {
					return err
				}
				paths = append(paths, listed...)
			}
			if len(paths) == 0 {
				return errors.New("no lattices given")
			}

			refs, err := evaluate.LoadReferencesFile(cfg.References)
			if err != nil {
				return err
			}
			r, err := c.newRescorer(cfg)
			if err != nil {
				return err
			}
			lats := make([]*lattice.Lattice, 0, len(paths))
			for _, path := range paths {
				lat, err := r.ReadLattice(path)
				if err != nil {
					return err
				}
				if _, ok := refs[lat.UtteranceID]; !ok {
					slog.Warn("No reference transcript, skipping", "utterance", lat.UtteranceID)
					continue
				}
				lats = append(lats, lat)
			}
			slog.Info("Lattices loaded", "lattices", len(lats))

			results := c.runGrid(r, cfg.Decoder, grid, lats, refs, cfg.Workers)
			printTuneResults(cmd, results)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.Vocabulary, "vocab", "", "Vocabulary file")
	cmd.Flags().StringVar(&flags.VocabularyFormat, "vocab-format", "words", "Vocabulary format: words, classes or srilm-classes")
	cmd.Flags().StringVar(&flags.LanguageModel, "lm", "", "ARPA language model over class labels (.gz allowed)")
	cmd.Flags().Float64Var(&flags.OOVLogProb, "oov-logprob", 0, "Log10 probability of words missing from the language model, 0 = disabled")
	cmd.Flags().BoolVar(&flags.Decoder.UnkOOV, "unk-oov", false, "Map out-of-vocabulary lattice words to <unk>")
	cmd.Flags().IntVar(&flags.Decoder.MaxTokensPerNode, "max-tokens", 0, "Maximum tokens kept per lattice node, 0 = unlimited")
	cmd.Flags().Float64Var(&flags.Decoder.Beam, "beam", 0, "Beam width in log domain, 0 = disabled")
	cmd.Flags().StringVar(&flags.UnicodeForm, "unicode-form", "", "Normalize words to NFC, NFD, NFKC or NFKD")
	cmd.Flags().IntVarP(&flags.Workers, "workers", "j", 0, "Parallel workers (default: NumCPU)")
	cmd.Flags().StringVar(&flags.References, "reference", "", "Reference transcripts \"utterance word...\"")
	cmd.Flags().StringVar(&weightsStr, "nnlm-weights", "0,0.25,0.5,0.75,1", "Comma-separated interpolation weights")
	cmd.Flags().StringVar(&scalesStr, "lm-scales", "1", "Comma-separated LM scale factors")
	cmd.Flags().StringVar(&latticeList, "lattice-list", "", "File with one lattice path per line")

	return cmd
}

// runGrid decodes every lattice with every parameter set, one parameter set
// per worker.
func (c *CLI) runGrid(r *latticelm.Rescorer, base decoder.Config, grid []paramSet, lats []*lattice.Lattice, refs evaluate.References, workers int) []tuneResult {
	slog.Info("Running grid search", "combinations", len(grid), "workers", workers)
	var bar *pb.ProgressBar
	if !c.silent {
		bar = pb.StartNew(len(grid) * len(lats))
	}

	results := make([]tuneResult, len(grid))
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)

	for gi, ps := range grid {
		wg.Add(1)
		sem <- struct{}{}
		go func(gi int, ps paramSet) {
			defer wg.Done()
			defer func() { <-sem }()
			cfg := base
			cfg.NNLMWeight = ps.NNLMWeight
			cfg.LMScale = ps.LMScale
			res := tuneResult{params: ps}
			for _, lat := range lats {
				decoded, err := r.RescoreWith(lat, cfg)
				if err != nil {
					slog.Debug("Decoding failed", "utterance", lat.UtteranceID, "error", err)
					res.failed++
					res.score.Add(refs[lat.UtteranceID], nil)
				} else {
					var hyp []string
					if best := decoded.Best(); best != nil {
						hyp = best.Words
					}
					res.score.Add(refs[lat.UtteranceID], hyp)
				}
				if bar != nil {
					bar.Increment()
				}
			}
			results[gi] = res
		}(gi, ps)
	}
	wg.Wait()
	if bar != nil {
		bar.Finish()
	}

	// Sort by WER ascending, then by weight ascending for ties
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score.Errors != results[j].score.Errors {
			return results[i].score.Errors < results[j].score.Errors
		}
		return results[i].params.NNLMWeight < results[j].params.NNLMWeight
	})
	return results
}

func printTuneResults(cmd *cobra.Command, results []tuneResult) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%-10s %-10s %8s %8s %8s %8s\n",
		"NNLMWeight", "LMScale", "Errors", "Words", "Failed", "WER")
	fmt.Fprintln(w, strings.Repeat("-", 58))
	for _, r := range results {
		fmt.Fprintf(w, "%-10.2f %-10.2f %8d %8d %8d %7.2f%%\n",
			r.params.NNLMWeight, r.params.LMScale,
			r.score.Errors, r.score.RefWords, r.failed, r.score.WER()*100)
	}
}

func parseFloats(s string) ([]float64, error) {
	var vals []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, errors.Errorf("invalid number %q", part)
		}
		vals = append(vals, v)
	}
	return vals, nil
}
