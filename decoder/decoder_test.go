package decoder

import (
	"math"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/ieee0824/latticelm-go/internal/mathutil"
	"github.com/ieee0824/latticelm-go/lattice"
	"github.com/ieee0824/latticelm-go/network"
	"github.com/ieee0824/latticelm-go/vocabulary"
)

// fakeScorer returns a fixed log probability per target class (default
// -0.5) and counts steps in its one-unit state.
type fakeScorer struct {
	logProb map[int]float64
	batches []int
}

func (f *fakeScorer) StateSizes() []int { return []int{1} }

func (f *fakeScorer) Step(wordInput, classInput *mat.Dense, state *network.RecurrentState, targetClassIDs *mat.Dense) (*mat.Dense, *network.RecurrentState, error) {
	targets, err := network.IDs(targetClassIDs)
	if err != nil {
		return nil, nil, err
	}
	f.batches = append(f.batches, len(targets))
	out := make([]float64, len(targets))
	next := mat.NewDense(len(targets), 1, nil)
	for i, c := range targets {
		lp, ok := f.logProb[c]
		if !ok {
			lp = -0.5
		}
		out[i] = lp
		next.Set(i, 0, state.Layer(0).At(i, 0)+1)
	}
	s, err := network.FromLayers([]*mat.Dense{next})
	if err != nil {
		return nil, nil, err
	}
	return mat.NewDense(1, len(targets), out), s, nil
}

// badScorer returns one log probability too many.
type badScorer struct{}

func (badScorer) StateSizes() []int { return []int{1} }

func (badScorer) Step(wordInput, classInput *mat.Dense, state *network.RecurrentState, targetClassIDs *mat.Dense) (*mat.Dense, *network.RecurrentState, error) {
	_, n := targetClassIDs.Dims()
	return mat.NewDense(1, n+1, nil), state, nil
}

func testVocab(t *testing.T) *vocabulary.Vocabulary {
	t.Helper()
	v, err := vocabulary.FromWords([]string{"cat", "dog"})
	if err != nil {
		t.Fatalf("FromWords error: %v", err)
	}
	return v
}

type testLink struct {
	start, end int
	word       string
	ac, lm     float64
}

// buildLattice creates a lattice with numNodes nodes, initial node 0 and
// final node numNodes-1.
func buildLattice(numNodes int, links []testLink) *lattice.Lattice {
	l := lattice.New()
	for i := 0; i < numNodes; i++ {
		l.AddNode()
	}
	for _, tl := range links {
		l.AddLink(l.Nodes[tl.start], l.Nodes[tl.end], tl.word, tl.ac, tl.lm)
	}
	l.Initial = l.Nodes[0]
	l.Final = l.Nodes[numNodes-1]
	return l
}

func words(t *testing.T, v *vocabulary.Vocabulary, tok *Token) string {
	t.Helper()
	ws, err := v.IDsToWords(tok.History)
	if err != nil {
		t.Fatalf("IDsToWords error: %v", err)
	}
	return strings.Join(ws, " ")
}

func TestDecode_SingleLink(t *testing.T) {
	vocab := testVocab(t)
	lat := buildLattice(2, []testLink{{0, 1, "cat", -1, -2}})
	cfg := DefaultConfig()
	cfg.NNLMWeight = 0

	toks, err := New(&fakeScorer{}, vocab, cfg).Decode(lat)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(toks) != 1 {
		t.Fatalf("len(tokens) = %d, want 1", len(toks))
	}
	tok := toks[0]
	if got := words(t, vocab, tok); got != "<s> cat </s>" {
		t.Errorf("history = %q, want <s> cat </s>", got)
	}
	if tok.AcLogProb != -1 || tok.LatLMLogProb != -2 {
		t.Errorf("ac, lat LM = %f, %f; want -1, -2", tok.AcLogProb, tok.LatLMLogProb)
	}
	if math.Abs(tok.NNLMLogProb-(-1.0)) > 1e-12 {
		t.Errorf("NNLM = %f, want -1", tok.NNLMLogProb)
	}
	if !tok.Scored() || math.Abs(tok.TotalLogProb-(-3.0)) > 1e-12 {
		t.Errorf("total = %f, want -3", tok.TotalLogProb)
	}
	if steps := tok.State.Layer(0).At(0, 0); steps != 2 {
		t.Errorf("state after decoding = %v, want 2 steps", steps)
	}
}

func TestDecode_NNLMOnly(t *testing.T) {
	vocab := testVocab(t)
	lat := buildLattice(2, []testLink{{0, 1, "cat", -1, -2}})

	toks, err := New(&fakeScorer{}, vocab, DefaultConfig()).Decode(lat)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	// ac + nnlm = -1 + 2*(-0.5)
	if math.Abs(toks[0].TotalLogProb-(-2.0)) > 1e-12 {
		t.Errorf("total = %f, want -2", toks[0].TotalLogProb)
	}
}

func TestDecode_LMScale(t *testing.T) {
	vocab := testVocab(t)
	lat := buildLattice(2, []testLink{{0, 1, "cat", -1, -2}})
	cfg := DefaultConfig()
	cfg.LMScale = 10

	toks, err := New(&fakeScorer{}, vocab, cfg).Decode(lat)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if math.Abs(toks[0].TotalLogProb-(-11.0)) > 1e-12 {
		t.Errorf("total = %f, want -11", toks[0].TotalLogProb)
	}
}

func TestDecode_ParallelLinksRanked(t *testing.T) {
	vocab := testVocab(t)
	lat := buildLattice(2, []testLink{
		{0, 1, "dog", -3, -1},
		{0, 1, "cat", -1, -1},
	})

	toks, err := New(&fakeScorer{}, vocab, DefaultConfig()).Decode(lat)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(toks) != 2 {
		t.Fatalf("len(tokens) = %d, want 2", len(toks))
	}
	if got := words(t, vocab, toks[0]); got != "<s> cat </s>" {
		t.Errorf("best = %q, want <s> cat </s>", got)
	}
	if got := words(t, vocab, toks[1]); got != "<s> dog </s>" {
		t.Errorf("second = %q, want <s> dog </s>", got)
	}
	if toks[0].TotalLogProb < toks[1].TotalLogProb {
		t.Errorf("tokens not sorted: %f < %f", toks[0].TotalLogProb, toks[1].TotalLogProb)
	}
}

func TestDecode_Disconnected(t *testing.T) {
	vocab := testVocab(t)
	lat := buildLattice(3, []testLink{{0, 1, "cat", -1, -1}})

	toks, err := New(&fakeScorer{}, vocab, DefaultConfig()).Decode(lat)
	if !errors.Is(err, ErrDecoding) {
		t.Errorf("error = %v, want ErrDecoding", err)
	}
	if toks != nil {
		t.Errorf("got %d tokens, want none", len(toks))
	}
}

func TestDecode_OneStepPerNode(t *testing.T) {
	vocab := testVocab(t)
	lat := buildLattice(3, []testLink{
		{0, 1, "cat", -1, -1},
		{0, 1, "dog", -1, -1},
		{1, 2, "cat", -1, -1},
		{1, 2, "dog", -1, -1},
	})
	scorer := &fakeScorer{}

	toks, err := New(scorer, vocab, DefaultConfig()).Decode(lat)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(toks) != 4 {
		t.Errorf("len(tokens) = %d, want 4", len(toks))
	}
	want := []int{2, 4, 4}
	if len(scorer.batches) != len(want) {
		t.Fatalf("steps = %v, want %v", scorer.batches, want)
	}
	for i, n := range want {
		if scorer.batches[i] != n {
			t.Errorf("step %d batch size = %d, want %d", i, scorer.batches[i], n)
		}
	}
}

func TestDecode_MarkupLinksNotScored(t *testing.T) {
	vocab := testVocab(t)
	lat := buildLattice(3, []testLink{
		{0, 1, "!NULL", -0.5, 0},
		{1, 2, "cat", -1, -1},
	})
	scorer := &fakeScorer{}

	toks, err := New(scorer, vocab, DefaultConfig()).Decode(lat)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(scorer.batches) != 2 {
		t.Errorf("steps = %v, want 2", scorer.batches)
	}
	if got := words(t, vocab, toks[0]); got != "<s> cat </s>" {
		t.Errorf("history = %q, want <s> cat </s>", got)
	}
	if toks[0].AcLogProb != -1.5 {
		t.Errorf("ac = %f, want -1.5", toks[0].AcLogProb)
	}
}

func TestDecode_OOV(t *testing.T) {
	vocab := testVocab(t)
	lat := buildLattice(2, []testLink{{0, 1, "bird", -1, -1}})

	_, err := New(&fakeScorer{}, vocab, DefaultConfig()).Decode(lat)
	if !errors.Is(err, vocabulary.ErrLookup) {
		t.Errorf("error = %v, want ErrLookup", err)
	}

	cfg := DefaultConfig()
	cfg.UnkOOV = true
	toks, err := New(&fakeScorer{}, vocab, cfg).Decode(lat)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if got := words(t, vocab, toks[0]); got != "<s> <unk> </s>" {
		t.Errorf("history = %q, want <s> <unk> </s>", got)
	}
}

func TestDecode_UnkPenalty(t *testing.T) {
	vocab := testVocab(t)
	lat := buildLattice(2, []testLink{{0, 1, "bird", 0, 0}})
	penalty := -7.0
	cfg := DefaultConfig()
	cfg.UnkOOV = true
	cfg.UnkPenalty = &penalty

	toks, err := New(&fakeScorer{}, vocab, cfg).Decode(lat)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if math.Abs(toks[0].NNLMLogProb-(-7.5)) > 1e-12 {
		t.Errorf("NNLM = %f, want -7.5", toks[0].NNLMLogProb)
	}
}

func TestDecode_MembershipProb(t *testing.T) {
	vocab, err := vocabulary.FromReader(strings.NewReader("a 0\nb 0\n"), vocabulary.FormatClasses)
	if err != nil {
		t.Fatalf("FromReader error: %v", err)
	}
	lat := buildLattice(2, []testLink{{0, 1, "a", 0, 0}})

	toks, err := New(&fakeScorer{}, vocab, DefaultConfig()).Decode(lat)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	want := -0.5 + math.Log(0.5) + -0.5
	if math.Abs(toks[0].NNLMLogProb-want) > 1e-12 {
		t.Errorf("NNLM = %f, want %f", toks[0].NNLMLogProb, want)
	}
}

func TestDecode_WordPenalty(t *testing.T) {
	vocab := testVocab(t)
	lat := buildLattice(3, []testLink{
		{0, 1, "cat", -1, -1},
		{1, 2, "!NULL", 0, 0},
	})
	cfg := DefaultConfig()
	cfg.WordPenalty = -2

	toks, err := New(&fakeScorer{}, vocab, cfg).Decode(lat)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	// one penalty for cat, none for !NULL or </s>
	if toks[0].PenaltyLogProb != -2 {
		t.Errorf("penalty = %f, want -2", toks[0].PenaltyLogProb)
	}
	// ac + penalty + nnlm = -1 - 2 + 2*(-0.5)
	if math.Abs(toks[0].TotalLogProb-(-4.0)) > 1e-12 {
		t.Errorf("total = %f, want -4", toks[0].TotalLogProb)
	}
}

func TestDecode_WordLogProbs(t *testing.T) {
	vocab, err := vocabulary.FromReader(strings.NewReader("a 0\nb 0\n"), vocabulary.FormatClasses)
	if err != nil {
		t.Fatalf("FromReader error: %v", err)
	}
	lat := buildLattice(2, []testLink{{0, 1, "a", 0, 0}})
	cfg := DefaultConfig()
	cfg.WordLogProbs = true

	toks, err := New(&fakeScorer{}, vocab, cfg).Decode(lat)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if math.Abs(toks[0].NNLMLogProb-(-1.0)) > 1e-12 {
		t.Errorf("NNLM = %f, want -1", toks[0].NNLMLogProb)
	}
}

func TestDecode_TiesKeepLinkOrder(t *testing.T) {
	vocab := testVocab(t)
	lat := buildLattice(2, []testLink{
		{0, 1, "dog", -1, -1},
		{0, 1, "cat", -1, -1},
	})

	toks, err := New(&fakeScorer{}, vocab, DefaultConfig()).Decode(lat)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(toks) != 2 {
		t.Fatalf("len(tokens) = %d, want 2", len(toks))
	}
	if toks[0].TotalLogProb != toks[1].TotalLogProb {
		t.Fatalf("totals differ: %f, %f", toks[0].TotalLogProb, toks[1].TotalLogProb)
	}
	for i, want := range []string{"<s> dog </s>", "<s> cat </s>"} {
		if got := words(t, vocab, toks[i]); got != want {
			t.Errorf("token %d = %q, want %q", i, got, want)
		}
	}
}

func TestDecode_Underflow(t *testing.T) {
	vocab := testVocab(t)
	lat := buildLattice(2, []testLink{{0, 1, "cat", 0, -800}})
	catClass, err := vocab.ClassOfWord("cat")
	if err != nil {
		t.Fatal(err)
	}
	scorer := &fakeScorer{logProb: map[int]float64{catClass: -900}}
	cfg := DefaultConfig()
	cfg.NNLMWeight = 0.5

	toks, err := New(scorer, vocab, cfg).Decode(lat)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	nnlm := -900.5
	want := mathutil.LogAdd(math.Log(0.5)-800, math.Log(0.5)+nnlm)
	if got := toks[0].TotalLogProb; math.IsInf(got, 0) || math.Abs(got-want) > 1e-9 {
		t.Errorf("total = %f, want %f", got, want)
	}
}

func TestDecode_MaxTokensPerNode(t *testing.T) {
	vocab := testVocab(t)
	lat := buildLattice(3, []testLink{
		{0, 1, "cat", -1, 0},
		{0, 1, "dog", -5, 0},
		{1, 2, "cat", -1, 0},
	})
	cfg := DefaultConfig()
	cfg.MaxTokensPerNode = 1

	toks, err := New(&fakeScorer{}, vocab, cfg).Decode(lat)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(toks) != 1 {
		t.Fatalf("len(tokens) = %d, want 1", len(toks))
	}
	if got := words(t, vocab, toks[0]); got != "<s> cat cat </s>" {
		t.Errorf("history = %q, want <s> cat cat </s>", got)
	}
}

func TestDecode_Beam(t *testing.T) {
	vocab := testVocab(t)
	lat := buildLattice(3, []testLink{
		{0, 1, "cat", -1, 0},
		{0, 1, "dog", -2, 0},
		{0, 1, "cat", -50, 0},
		{1, 2, "dog", 0, 0},
	})
	cfg := DefaultConfig()
	cfg.Beam = 10

	toks, err := New(&fakeScorer{}, vocab, cfg).Decode(lat)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(toks) != 2 {
		t.Errorf("len(tokens) = %d, want 2", len(toks))
	}
}

func TestDecode_BadScorerShape(t *testing.T) {
	vocab := testVocab(t)
	lat := buildLattice(2, []testLink{{0, 1, "cat", -1, -1}})

	_, err := New(badScorer{}, vocab, DefaultConfig()).Decode(lat)
	if !errors.Is(err, network.ErrShape) {
		t.Errorf("error = %v, want ErrShape", err)
	}
}

func TestDecode_Cycle(t *testing.T) {
	vocab := testVocab(t)
	lat := buildLattice(3, []testLink{
		{0, 1, "cat", 0, 0},
		{1, 2, "cat", 0, 0},
		{2, 1, "dog", 0, 0},
	})

	_, err := New(&fakeScorer{}, vocab, DefaultConfig()).Decode(lat)
	if !errors.Is(err, lattice.ErrCycle) {
		t.Errorf("error = %v, want ErrCycle", err)
	}
}

func TestNewResult(t *testing.T) {
	vocab := testVocab(t)
	lat := buildLattice(2, []testLink{
		{0, 1, "dog", -3, -1},
		{0, 1, "cat", -1, -1},
	})
	toks, err := New(&fakeScorer{}, vocab, DefaultConfig()).Decode(lat)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	r, err := NewResult("utt", toks, vocab, 1)
	if err != nil {
		t.Fatalf("NewResult error: %v", err)
	}
	if len(r.Hypotheses) != 1 {
		t.Fatalf("len(Hypotheses) = %d, want 1", len(r.Hypotheses))
	}
	best := r.Best()
	if len(best.Words) != 1 || best.Words[0] != "cat" {
		t.Errorf("best words = %v, want [cat]", best.Words)
	}
	if best.TotalLogProb != toks[0].TotalLogProb {
		t.Errorf("best total = %f, want %f", best.TotalLogProb, toks[0].TotalLogProb)
	}
}
