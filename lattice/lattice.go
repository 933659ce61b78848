// Package lattice represents word lattices: directed acyclic graphs whose
// links carry a word, an acoustic log probability and a language model log
// probability.
package lattice

import (
	"container/heap"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrFormat is returned for malformed lattice files.
	ErrFormat = errors.New("lattice format error")
	// ErrCycle is returned when a lattice is not acyclic.
	ErrCycle = errors.New("lattice contains a cycle")
)

// Node is a lattice node. Its ID is its index in Lattice.Nodes.
type Node struct {
	ID       int
	Time     float64
	Word     string
	OutLinks []*Link
	InLinks  []*Link
}

// Link is a directed lattice arc.
type Link struct {
	ID        int
	Start     *Node
	End       *Node
	Word      string
	AcLogProb float64 // natural log
	LMLogProb float64 // natural log
}

// IsMarkup reports whether word is a structural token such as !NULL, !ENTER
// or !EXIT that is not scored by a language model.
func IsMarkup(word string) bool {
	return strings.HasPrefix(word, "!")
}

// Lattice is a word lattice.
type Lattice struct {
	UtteranceID string
	LMScale     float64 // 0 when the file does not specify one
	WordPenalty float64 // natural log, 0 when the file does not specify one
	Nodes       []*Node
	Links       []*Link
	Initial     *Node
	Final       *Node
}

// New creates an empty lattice.
func New() *Lattice {
	return &Lattice{}
}

// AddNode appends a node and returns it.
func (l *Lattice) AddNode() *Node {
	n := &Node{ID: len(l.Nodes)}
	l.Nodes = append(l.Nodes, n)
	return n
}

// AddLink connects start to end with a scored word.
func (l *Lattice) AddLink(start, end *Node, word string, acLogProb, lmLogProb float64) *Link {
	link := &Link{
		ID:        len(l.Links),
		Start:     start,
		End:       end,
		Word:      word,
		AcLogProb: acLogProb,
		LMLogProb: lmLogProb,
	}
	l.Links = append(l.Links, link)
	start.OutLinks = append(start.OutLinks, link)
	end.InLinks = append(end.InLinks, link)
	return link
}

// SortedNodes returns the nodes in a topological order: no link points from
// a node to a node earlier in the slice. Among nodes whose predecessors have
// all been emitted, the lowest ID comes first.
func (l *Lattice) SortedNodes() ([]*Node, error) {
	inDegree := make([]int, len(l.Nodes))
	for _, n := range l.Nodes {
		for _, link := range n.OutLinks {
			inDegree[link.End.ID]++
		}
	}

	ready := &idHeap{}
	for id, d := range inDegree {
		if d == 0 {
			heap.Push(ready, id)
		}
	}

	sorted := make([]*Node, 0, len(l.Nodes))
	for ready.Len() > 0 {
		n := l.Nodes[heap.Pop(ready).(int)]
		sorted = append(sorted, n)
		for _, link := range n.OutLinks {
			inDegree[link.End.ID]--
			if inDegree[link.End.ID] == 0 {
				heap.Push(ready, link.End.ID)
			}
		}
	}

	if len(sorted) != len(l.Nodes) {
		return nil, errors.Wrapf(ErrCycle, "%d of %d nodes are on or behind a cycle", len(l.Nodes)-len(sorted), len(l.Nodes))
	}
	return sorted, nil
}

// idHeap is a min-heap of node IDs.
type idHeap []int

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *idHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}
