package latticelm

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ieee0824/latticelm-go/decoder"
	"github.com/ieee0824/latticelm-go/vocabulary"
)

const testARPA = `\data\
ngram 1=4
ngram 2=3

\1-grams:
-1.0	</s>
-1.0	<s>	-0.5
-0.5	東京
-0.7	タワー	-0.3

\2-grams:
-0.3	<s>	東京
-0.4	東京	タワー
-0.2	タワー	</s>

\end\
`

const testLattice = `N=3 L=3
J=0 S=0 E=1 W=東京 a=-1.0 l=-1.0
J=1 S=0 E=1 W=タワー a=-1.0 l=-1.0
J=2 S=1 E=2 W=タワー a=-1.0 l=-1.0
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestRescorer(t *testing.T, dir string, opts ...Option) *Rescorer {
	t.Helper()
	vocabPath := writeFile(t, dir, "vocab.txt", "東京\nタワー\n")
	lmPath := writeFile(t, dir, "lm.arpa", testARPA)
	r, err := NewRescorer(vocabPath, vocabulary.FormatWords, lmPath, opts...)
	if err != nil {
		t.Fatalf("NewRescorer error: %v", err)
	}
	return r
}

func TestRescoreFile(t *testing.T) {
	dir := t.TempDir()
	r := newTestRescorer(t, dir)
	latPath := writeFile(t, dir, "utt1.slf", testLattice)

	res, err := r.RescoreFile(latPath)
	if err != nil {
		t.Fatalf("RescoreFile error: %v", err)
	}
	if res.UtteranceID != "utt1" {
		t.Errorf("UtteranceID = %q, want utt1", res.UtteranceID)
	}
	if len(res.Hypotheses) != 2 {
		t.Fatalf("len(Hypotheses) = %d, want 2", len(res.Hypotheses))
	}
	best := res.Best()
	if strings.Join(best.Words, " ") != "東京 タワー" {
		t.Errorf("best = %v, want [東京 タワー]", best.Words)
	}
	wantNNLM := (-0.3 - 0.4 - 0.2) * math.Ln10
	if math.Abs(best.NNLMLogProb-wantNNLM) > 1e-9 {
		t.Errorf("NNLM = %f, want %f", best.NNLMLogProb, wantNNLM)
	}
	if math.Abs(best.TotalLogProb-(-2+wantNNLM)) > 1e-9 {
		t.Errorf("total = %f, want %f", best.TotalLogProb, -2+wantNNLM)
	}
}

func TestRescore_LatticeLMScale(t *testing.T) {
	dir := t.TempDir()
	cfg := decoder.DefaultConfig()
	cfg.NNLMWeight = 0
	r := newTestRescorer(t, dir, WithDecoderConfig(cfg), WithLatticeLMScale(true), WithNBest(1))
	latPath := writeFile(t, dir, "utt2.slf", "lmscale=10\n"+testLattice)

	res, err := r.RescoreFile(latPath)
	if err != nil {
		t.Fatalf("RescoreFile error: %v", err)
	}
	if len(res.Hypotheses) != 1 {
		t.Fatalf("len(Hypotheses) = %d, want 1", len(res.Hypotheses))
	}
	// ac + 10 * lattice LM
	if got := res.Best().TotalLogProb; math.Abs(got-(-22)) > 1e-9 {
		t.Errorf("total = %f, want -22", got)
	}
}

func TestRescore_LatticeWordPenalty(t *testing.T) {
	dir := t.TempDir()
	cfg := decoder.DefaultConfig()
	cfg.NNLMWeight = 0
	r := newTestRescorer(t, dir, WithDecoderConfig(cfg), WithLatticeLMScale(true), WithNBest(1))
	latPath := writeFile(t, dir, "utt3.slf", "wdpenalty=-3\n"+testLattice)

	res, err := r.RescoreFile(latPath)
	if err != nil {
		t.Fatalf("RescoreFile error: %v", err)
	}
	// ac + 2 words * penalty + lattice LM
	if got := res.Best().TotalLogProb; math.Abs(got-(-10)) > 1e-9 {
		t.Errorf("total = %f, want -10", got)
	}
}

func TestRescoreFiles(t *testing.T) {
	dir := t.TempDir()
	r := newTestRescorer(t, dir, WithWorkers(2))
	paths := []string{
		writeFile(t, dir, "a.slf", testLattice),
		filepath.Join(dir, "missing.slf"),
		writeFile(t, dir, "b.slf", "N=2 L=1\nJ=0 S=0 E=1 W=大阪\n"),
		writeFile(t, dir, "c.slf", testLattice),
	}

	calls := 0
	results := r.RescoreFiles(paths, func(FileResult) { calls++ })
	if calls != len(paths) {
		t.Errorf("done called %d times, want %d", calls, len(paths))
	}
	if len(results) != len(paths) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(paths))
	}
	for i, res := range results {
		if res.Path != paths[i] {
			t.Errorf("results[%d].Path = %s, want %s", i, res.Path, paths[i])
		}
	}
	if results[0].Err != nil || results[3].Err != nil {
		t.Errorf("unexpected errors: %v, %v", results[0].Err, results[3].Err)
	}
	if results[1].Err == nil {
		t.Error("missing file did not fail")
	}
	if results[2].Err == nil {
		t.Error("out-of-vocabulary lattice did not fail")
	}
	if results[3].Result.UtteranceID != "c" {
		t.Errorf("UtteranceID = %q, want c", results[3].Result.UtteranceID)
	}
}

func TestRescoreFiles_UnkOOV(t *testing.T) {
	dir := t.TempDir()
	cfg := decoder.DefaultConfig()
	cfg.UnkOOV = true
	r := newTestRescorer(t, dir, WithDecoderConfig(cfg), WithOOVLogProb(-5))
	path := writeFile(t, dir, "b.slf", "N=2 L=1\nJ=0 S=0 E=1 W=大阪\n")

	res, err := r.RescoreFile(path)
	if err != nil {
		t.Fatalf("RescoreFile error: %v", err)
	}
	if got := strings.Join(res.Best().Words, " "); got != "<unk>" {
		t.Errorf("words = %q, want <unk>", got)
	}
}
