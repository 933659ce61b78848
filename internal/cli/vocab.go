package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ieee0824/latticelm-go/vocabulary"
)

func (c *CLI) newVocabCommand() *cobra.Command {
	var numClasses int
	var from, fromFormat, format, outPath, unicodeForm string

	cmd := &cobra.Command{
		Use:   "vocab [corpus...]",
		Short: "Create a vocabulary from text corpora or convert a vocabulary file",
		Example: `  # One class per word from a corpus
  latticelm vocab train.txt > vocab.txt

  # 1000 frequency-balanced classes
  latticelm vocab --classes 1000 --format classes train.txt -O classes.txt

  # Convert a class file to SRILM format
  latticelm vocab --from classes.txt --from-format classes --format srilm-classes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			outFormat, err := vocabulary.ParseFormat(format)
			if err != nil {
				return err
			}
			form, useForm, err := parseUnicodeForm(unicodeForm)
			if err != nil {
				return err
			}

			var vocab *vocabulary.Vocabulary
			switch {
			case from != "" && len(args) > 0:
				return errors.New("give either --from or corpus files, not both")
			case from != "":
				inFormat, err := vocabulary.ParseFormat(fromFormat)
				if err != nil {
					return err
				}
				var opts []vocabulary.Option
				if useForm {
					opts = append(opts, vocabulary.WithUnicodeForm(form))
				}
				if vocab, err = vocabulary.FromFile(from, inFormat, opts...); err != nil {
					return err
				}
			case len(args) > 0:
				if vocab, err = vocabFromCorpus(args, numClasses); err != nil {
					return err
				}
			default:
				return errors.New("no input given")
			}
			slog.Info("Vocabulary created", "words", vocab.NumWords(), "classes", vocab.NumClasses())

			w := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return errors.Wrap(err, "create output")
				}
				defer f.Close()
				w = f
			}
			return vocab.Write(w, outFormat)
		},
	}

	cmd.Flags().IntVar(&numClasses, "classes", 0, "Number of frequency-balanced classes, 0 = one class per word")
	cmd.Flags().StringVar(&from, "from", "", "Read an existing vocabulary file instead of corpora")
	cmd.Flags().StringVar(&fromFormat, "from-format", "words", "Format of the --from file")
	cmd.Flags().StringVar(&format, "format", "words", "Output format: words, classes or srilm-classes")
	cmd.Flags().StringVarP(&outPath, "output-file", "O", "", "Output file (default stdout)")
	cmd.Flags().StringVar(&unicodeForm, "unicode-form", "", "Normalize words of --from to NFC, NFD, NFKC or NFKD")

	return cmd
}

func vocabFromCorpus(paths []string, numClasses int) (*vocabulary.Vocabulary, error) {
	readers := make([]io.Reader, len(paths))
	for i, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "open corpus")
		}
		defer f.Close()
		readers[i] = f
	}
	return vocabulary.FromCorpus(readers, numClasses)
}
