package decoder

import (
	"math"
	"strings"
	"testing"

	"github.com/ieee0824/latticelm-go/internal/mathutil"
	"github.com/ieee0824/latticelm-go/network"
)

func TestToken_CopyIsolation(t *testing.T) {
	state := network.NewRecurrentState([]int{2}, 1)
	tok := NewToken([]int{0, 3}, state)
	tok.AccumulateLinkScores(-1, -2)

	c := tok.Copy()
	c.History = append(c.History, 4)
	c.History[0] = 9
	c.AccumulateLinkScores(-1, -1)

	if len(tok.History) != 2 || tok.History[0] != 0 {
		t.Errorf("original history changed: %v", tok.History)
	}
	if tok.AcLogProb != -1 || tok.LatLMLogProb != -2 {
		t.Errorf("original scores changed: %f, %f", tok.AcLogProb, tok.LatLMLogProb)
	}
	if c.State != tok.State {
		t.Error("copy does not share the state")
	}
}

func TestToken_ComputeTotalLogProbWeights(t *testing.T) {
	tok := NewToken([]int{0}, nil)
	tok.AcLogProb = -10
	tok.LatLMLogProb = math.Log(0.2)
	tok.NNLMLogProb = math.Log(0.6)

	if tok.Scored() {
		t.Error("new token is scored")
	}
	tests := []struct {
		weight, scale, want float64
	}{
		{0, 1, -10 + math.Log(0.2)},
		{1, 1, -10 + math.Log(0.6)},
		{0.5, 2, -10 + 2*math.Log(0.4)},
	}
	for _, tt := range tests {
		if err := tok.ComputeTotalLogProb(tt.weight, tt.scale); err != nil {
			t.Fatalf("weight %v: error: %v", tt.weight, err)
		}
		if !tok.Scored() {
			t.Errorf("weight %v: not scored", tt.weight)
		}
		if math.Abs(tok.TotalLogProb-tt.want) > 1e-12 {
			t.Errorf("weight %v: total = %f, want %f", tt.weight, tok.TotalLogProb, tt.want)
		}
	}

	tok.AccumulateLinkScores(0, 0)
	if tok.Scored() {
		t.Error("token still scored after accumulating link scores")
	}
}

func TestToken_ComputeTotalLogProbUnderflow(t *testing.T) {
	tok := NewToken([]int{0}, nil)
	tok.LatLMLogProb = -1000
	tok.NNLMLogProb = -1001
	if err := tok.ComputeTotalLogProb(0.5, 1); err != nil {
		t.Fatalf("error: %v", err)
	}
	want := mathutil.LogAdd(math.Log(0.5)-1000, math.Log(0.5)-1001)
	if math.Abs(tok.TotalLogProb-want) > 1e-9 {
		t.Errorf("total = %f, want %f", tok.TotalLogProb, want)
	}
}

func TestToken_String(t *testing.T) {
	tok := NewToken([]int{0, 3}, nil)
	tok.AcLogProb = -1.25
	s := tok.String()
	if !strings.HasPrefix(s, "[0 3]") || !strings.Contains(s, "acoustic: -1.25") {
		t.Errorf("String() = %q", s)
	}

	vocab := testVocab(t)
	if got := tok.Format(vocab); !strings.HasPrefix(got, "[<s> cat]") {
		t.Errorf("Format() = %q", got)
	}
}

func TestPruneTokens(t *testing.T) {
	mk := func(scores ...float64) []*Token {
		toks := make([]*Token, len(scores))
		for i, s := range scores {
			toks[i] = &Token{TotalLogProb: s, scored: true}
		}
		return toks
	}

	if got := pruneTokens(mk(-1, -100, -2), 0, 0); len(got) != 3 {
		t.Errorf("disabled pruning kept %d, want 3", len(got))
	}
	if got := pruneTokens(mk(-1, -100, -2), 10, 0); len(got) != 2 {
		t.Errorf("beam kept %d, want 2", len(got))
	}
	got := pruneTokens(mk(-3, -1, -2), 0, 2)
	if len(got) != 2 || got[0].TotalLogProb != -1 || got[1].TotalLogProb != -2 {
		t.Errorf("max tokens kept %v", got)
	}
}
