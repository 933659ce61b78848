package cli

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/ieee0824/latticelm-go/decoder"
)

// Config holds the settings of the decode command. Fields missing from a
// YAML file keep their default values.
type Config struct {
	Vocabulary       string         `yaml:"vocabulary"`
	VocabularyFormat string         `yaml:"vocabulary_format"`
	LanguageModel    string         `yaml:"language_model"`
	OOVLogProb       float64        `yaml:"oov_logprob"` // log10, 0 = disabled
	Decoder          decoder.Config `yaml:"decoder"`
	LatticeLMScale   bool           `yaml:"lattice_lm_scale"`
	UnicodeForm      string         `yaml:"unicode_form"` // NFC, NFD, NFKC, NFKD or empty
	Workers          int            `yaml:"workers"`
	NBest            int            `yaml:"nbest"`
	CacheSize        int            `yaml:"cache_size"`
	Output           string         `yaml:"output"`     // text or json
	References       string         `yaml:"references"` // transcripts for scoring, optional
}

// DefaultConfig returns the settings used without a configuration file.
func DefaultConfig() Config {
	return Config{
		VocabularyFormat: "words",
		Decoder:          decoder.DefaultConfig(),
		Workers:          1,
		NBest:            1,
		Output:           "text",
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.WithMessage(err, path)
	}
	return cfg, nil
}

// Validate checks values that cannot be checked by their type.
func (c Config) Validate() error {
	if c.Decoder.NNLMWeight < 0 || c.Decoder.NNLMWeight > 1 {
		return errors.Errorf("NNLM weight %v is not between 0 and 1", c.Decoder.NNLMWeight)
	}
	if c.Workers < 1 {
		return errors.Errorf("invalid worker count %d", c.Workers)
	}
	if c.Output != "text" && c.Output != "json" {
		return errors.Errorf("unknown output format %q", c.Output)
	}
	if _, _, err := parseUnicodeForm(c.UnicodeForm); err != nil {
		return err
	}
	return nil
}

// parseUnicodeForm converts a normalization form name. The boolean is false
// when no normalization is requested.
func parseUnicodeForm(name string) (norm.Form, bool, error) {
	switch strings.ToUpper(name) {
	case "", "NONE":
		return 0, false, nil
	case "NFC":
		return norm.NFC, true, nil
	case "NFD":
		return norm.NFD, true, nil
	case "NFKC":
		return norm.NFKC, true, nil
	case "NFKD":
		return norm.NFKD, true, nil
	}
	return 0, false, errors.Errorf("unknown Unicode normalization form %q", name)
}
