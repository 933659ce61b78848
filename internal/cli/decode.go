package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	latticelm "github.com/ieee0824/latticelm-go"
	"github.com/ieee0824/latticelm-go/decoder"
	"github.com/ieee0824/latticelm-go/evaluate"
	"github.com/ieee0824/latticelm-go/vocabulary"
)

func (c *CLI) newDecodeCommand() *cobra.Command {
	var flags Config
	var latticeList string
	var unkPenalty float64

	cmd := &cobra.Command{
		Use:   "decode [lattice...]",
		Short: "Rescore SLF lattices and print N-best hypotheses",
		Example: `  # Rescore two lattices with a class bigram model
  latticelm decode --vocab classes.txt --vocab-format classes --lm classes.arpa utt1.slf utt2.slf.gz

  # Read lattice paths from a file and write JSON
  latticelm decode -c decode.yaml --lattice-list lattices.txt --output json

  # Interpolate with the lattice LM scores on 4 workers
  latticelm decode -c decode.yaml --nnlm-weight 0.5 --workers 4 *.slf`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			cfg = mergeFlags(cmd, cfg, flags)
			if cmd.Flags().Changed("unk-penalty") {
				cfg.Decoder.UnkPenalty = &unkPenalty
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Vocabulary == "" || cfg.LanguageModel == "" {
				return errors.New("a vocabulary and a language model are required")
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

			r, err := c.newRescorer(cfg)
			if err != nil {
				return err
			}
			var refs evaluate.References
			if cfg.References != "" {
				if refs, err = evaluate.LoadReferencesFile(cfg.References); err != nil {
					return err
				}
			}
			return c.decodeFiles(cmd.OutOrStdout(), r, paths, cfg.Output, refs)
		},
	}

	cmd.Flags().StringVar(&flags.Vocabulary, "vocab", "", "Vocabulary file")
	cmd.Flags().StringVar(&flags.VocabularyFormat, "vocab-format", "words", "Vocabulary format: words, classes or srilm-classes")
	cmd.Flags().StringVar(&flags.LanguageModel, "lm", "", "ARPA language model over class labels (.gz allowed)")
	cmd.Flags().Float64Var(&flags.OOVLogProb, "oov-logprob", 0, "Log10 probability of words missing from the language model, 0 = disabled")
	cmd.Flags().Float64Var(&flags.Decoder.NNLMWeight, "nnlm-weight", 1.0, "Interpolation weight of the rescoring model")
	cmd.Flags().Float64Var(&flags.Decoder.LMScale, "lm-scale", 1.0, "Language model scale factor")
	cmd.Flags().BoolVar(&flags.LatticeLMScale, "lattice-lm-scale", false, "Use the lmscale of each lattice file when present")
	cmd.Flags().BoolVar(&flags.Decoder.UnkOOV, "unk-oov", false, "Map out-of-vocabulary lattice words to <unk>")
	cmd.Flags().Float64Var(&flags.Decoder.WordPenalty, "word-penalty", 0, "Log-domain penalty added for every lattice word")
	cmd.Flags().BoolVar(&flags.Decoder.WordLogProbs, "word-logprobs", false, "The model scores words, do not add class membership probabilities")
	cmd.Flags().Float64Var(&unkPenalty, "unk-penalty", 0, "Log probability assigned to <unk>")
	cmd.Flags().IntVar(&flags.Decoder.MaxTokensPerNode, "max-tokens", 0, "Maximum tokens kept per lattice node, 0 = unlimited")
	cmd.Flags().Float64Var(&flags.Decoder.Beam, "beam", 0, "Beam width in log domain, 0 = disabled")
	cmd.Flags().StringVar(&flags.UnicodeForm, "unicode-form", "", "Normalize words to NFC, NFD, NFKC or NFKD")
	cmd.Flags().IntVarP(&flags.Workers, "workers", "j", 1, "Lattices decoded in parallel")
	cmd.Flags().IntVarP(&flags.NBest, "nbest", "n", 1, "Hypotheses printed per lattice, 0 = all")
	cmd.Flags().IntVar(&flags.CacheSize, "cache-size", 0, "Language model score cache entries, 0 = default")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "text", "Output format: text or json")
	cmd.Flags().StringVar(&flags.References, "reference", "", "Reference transcripts \"utterance word...\" for computing WER")
	cmd.Flags().StringVar(&latticeList, "lattice-list", "", "File with one lattice path per line")

	return cmd
}

// mergeFlags copies the flags that were set on the command line over cfg.
func mergeFlags(cmd *cobra.Command, cfg, flags Config) Config {
	set := cmd.Flags().Changed
	if set("vocab") {
		cfg.Vocabulary = flags.Vocabulary
	}
	if set("vocab-format") {
		cfg.VocabularyFormat = flags.VocabularyFormat
	}
	if set("lm") {
		cfg.LanguageModel = flags.LanguageModel
	}
	if set("oov-logprob") {
		cfg.OOVLogProb = flags.OOVLogProb
	}
	if set("nnlm-weight") {
		cfg.Decoder.NNLMWeight = flags.Decoder.NNLMWeight
	}
	if set("lm-scale") {
		cfg.Decoder.LMScale = flags.Decoder.LMScale
	}
	if set("lattice-lm-scale") {
		cfg.LatticeLMScale = flags.LatticeLMScale
	}
	if set("unk-oov") {
		cfg.Decoder.UnkOOV = flags.Decoder.UnkOOV
	}
	if set("word-penalty") {
		cfg.Decoder.WordPenalty = flags.Decoder.WordPenalty
	}
	if set("word-logprobs") {
		cfg.Decoder.WordLogProbs = flags.Decoder.WordLogProbs
	}
	if set("max-tokens") {
		cfg.Decoder.MaxTokensPerNode = flags.Decoder.MaxTokensPerNode
	}
	if set("beam") {
		cfg.Decoder.Beam = flags.Decoder.Beam
	}
	if set("unicode-form") {
		cfg.UnicodeForm = flags.UnicodeForm
	}
	if set("workers") {
		cfg.Workers = flags.Workers
	}
	if set("nbest") {
		cfg.NBest = flags.NBest
	}
	if set("cache-size") {
		cfg.CacheSize = flags.CacheSize
	}
	if set("output") {
		cfg.Output = flags.Output
	}
	if set("reference") {
		cfg.References = flags.References
	}
	return cfg
}

func (c *CLI) newRescorer(cfg Config) (*latticelm.Rescorer, error) {
	format, err := vocabulary.ParseFormat(cfg.VocabularyFormat)
	if err != nil {
		return nil, err
	}
	opts := []latticelm.Option{
		latticelm.WithDecoderConfig(cfg.Decoder),
		latticelm.WithOOVLogProb(cfg.OOVLogProb),
		latticelm.WithWorkers(cfg.Workers),
		latticelm.WithLatticeLMScale(cfg.LatticeLMScale),
		latticelm.WithNBest(cfg.NBest),
		latticelm.WithCacheSize(cfg.CacheSize),
	}
	if form, ok, _ := parseUnicodeForm(cfg.UnicodeForm); ok {
		opts = append(opts, latticelm.WithUnicodeForm(form))
	}

	start := time.Now()
	r, err := latticelm.NewRescorer(cfg.Vocabulary, format, cfg.LanguageModel, opts...)
	if err != nil {
		return nil, err
	}
	slog.Debug("Models loaded",
		"words", r.Vocab.NumWords(),
		"classes", r.Vocab.NumClasses(),
		"duration", time.Since(start))
	return r, nil
}

// decodeFiles rescores the lattices and writes the results in input order.
// Failed lattices are logged and reported in the returned error. With
// references, the word error rate of the best hypotheses is logged.
func (c *CLI) decodeFiles(w io.Writer, r *latticelm.Rescorer, paths []string, output string, refs evaluate.References) error {
	var bar *pb.ProgressBar
	if !c.silent {
		bar = pb.StartNew(len(paths))
	}
	start := time.Now()
	results := r.RescoreFiles(paths, func(latticelm.FileResult) {
		if bar != nil {
			bar.Increment()
		}
	})
	if bar != nil {
		bar.Finish()
	}

	var decoded []*decoder.Result
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			slog.Error("Decoding failed", "lattice", res.Path, "error", res.Err)
			continue
		}
		decoded = append(decoded, res.Result)
	}
	slog.Info("Decoding finished",
		"lattices", len(paths),
		"failed", failed,
		"duration", time.Since(start))

	if refs != nil {
		score, missing := refs.Evaluate(decoded)
		if len(missing) > 0 {
			slog.Warn("No reference transcript", "utterances", missing)
		}
		slog.Info("Word error rate",
			"wer", score.WER(),
			"errors", score.Errors,
			"words", score.RefWords,
			"sentences_correct", score.Correct)
	}

	if err := writeResults(w, decoded, output); err != nil {
		return err
	}
	if failed > 0 {
		return errors.Errorf("%d of %d lattices failed", failed, len(paths))
	}
	return nil
}

// writeResults prints N-best lists as text lines
// "utterance rank total ac latlm nnlm words..." or as indented JSON.
func writeResults(w io.Writer, results []*decoder.Result, output string) error {
	if output == "json" {
		if results == nil {
			results = []*decoder.Result{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(results), "write results")
	}

	bw := bufio.NewWriter(w)
	for _, res := range results {
		for i, h := range res.Hypotheses {
			fmt.Fprintf(bw, "%s\t%d\t%.4f\t%.4f\t%.4f\t%.4f\t%s\n",
				res.UtteranceID, i+1, h.TotalLogProb, h.AcLogProb, h.LatLMLogProb, h.NNLMLogProb,
				strings.Join(h.Words, " "))
		}
	}
	return errors.Wrap(bw.Flush(), "write results")
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open lattice list")
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	return lines, errors.Wrap(scanner.Err(), "read lattice list")
}
