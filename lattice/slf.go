package lattice

import (
	"bufio"
	"compress/gzip"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// Option configures lattice reading.
type Option func(*readOptions)

type readOptions struct {
	form    norm.Form
	useForm bool
}

// WithUnicodeForm normalizes every word read from input to the given form.
func WithUnicodeForm(form norm.Form) Option {
	return func(o *readOptions) {
		o.form = form
		o.useForm = true
	}
}

// MaxNodes is the largest number of nodes ReadSLF accepts.
const MaxNodes = 1 << 20

// slfReader holds the state of one SLF parse.
type slfReader struct {
	opts      readOptions
	lat       *Lattice
	logBase   float64 // multiplier from file log base to natural log
	numNodes  int
	numLinks  int
	start     int
	end       int
	linkWords []bool // whether a link had an explicit W= field
}

// ReadSLF reads a lattice in HTK Standard Lattice Format.
//
// Scores are converted to natural log according to the base= header field
// (default e). A link without a W= field takes the word of its end node.
// When start= or end= is missing, the unique node without incoming or
// outgoing links is used.
func ReadSLF(r io.Reader, opts ...Option) (*Lattice, error) {
	p := &slfReader{
		lat:      New(),
		logBase:  1.0,
		numNodes: -1,
		numLinks: -1,
		start:    -1,
		end:      -1,
	}
	for _, opt := range opts {
		opt(&p.opts)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := p.parseLine(line); err != nil {
			return nil, errors.WithMessagef(err, "line %d", lineNum)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read lattice")
	}
	if err := p.finish(); err != nil {
		return nil, err
	}

	slog.Debug("lattice read",
		"utterance", p.lat.UtteranceID,
		"nodes", len(p.lat.Nodes),
		"links", len(p.lat.Links),
		"lmscale", p.lat.LMScale)
	return p.lat, nil
}

// ReadSLFFile reads an SLF lattice from a file, decompressing it if the name
// ends in .gz. If the file has no UTTERANCE field, the file name without
// extensions is used as the utterance ID.
func ReadSLFFile(path string, opts ...Option) (*Lattice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open lattice")
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "decompress lattice %s", path)
		}
		defer gz.Close()
		r = gz
	}

	lat, err := ReadSLF(r, opts...)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	if lat.UtteranceID == "" {
		name := filepath.Base(path)
		name = strings.TrimSuffix(name, ".gz")
		lat.UtteranceID = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return lat, nil
}

func (p *slfReader) parseLine(line string) error {
	fields, err := splitFields(line)
	if err != nil {
		return err
	}
	switch fields[0].key {
	case "I":
		return p.parseNode(fields)
	case "J":
		return p.parseLink(fields)
	}
	return p.parseHeader(fields)
}

type field struct {
	key   string
	value string
}

func splitFields(line string) ([]field, error) {
	parts := strings.Fields(line)
	fields := make([]field, len(parts))
	for i, part := range parts {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, errors.Wrapf(ErrFormat, "field %q has no value", part)
		}
		fields[i] = field{key: key, value: strings.Trim(value, `"`)}
	}
	return fields, nil
}

func (p *slfReader) parseHeader(fields []field) error {
	for _, f := range fields {
		var err error
		switch f.key {
		case "UTTERANCE":
			p.lat.UtteranceID = f.value
		case "lmscale":
			p.lat.LMScale, err = parseFloat(f)
		case "wdpenalty":
			p.lat.WordPenalty, err = parseFloat(f)
		case "base":
			var base float64
			if base, err = parseFloat(f); err == nil {
				if base <= 0 || base == 1 {
					return errors.Wrapf(ErrFormat, "unsupported log base %v", base)
				}
				p.logBase = math.Log(base)
			}
		case "start":
			p.start, err = parseInt(f)
		case "end":
			p.end, err = parseInt(f)
		case "N":
			if p.numNodes, err = parseInt(f); err == nil && p.numNodes > MaxNodes {
				return errors.Wrapf(ErrFormat, "N=%d exceeds %d nodes", p.numNodes, MaxNodes)
			}
		case "L":
			p.numLinks, err = parseInt(f)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *slfReader) parseNode(fields []field) error {
	id, err := parseInt(fields[0])
	if err != nil {
		return err
	}
	n, err := p.node(id)
	if err != nil {
		return err
	}
	for _, f := range fields[1:] {
		switch f.key {
		case "t":
			if n.Time, err = parseFloat(f); err != nil {
				return err
			}
		case "W":
			n.Word = p.word(f.value)
		}
	}
	return nil
}

func (p *slfReader) parseLink(fields []field) error {
	start, end := -1, -1
	var word string
	var hasWord bool
	var ac, lm float64
	var err error
	for _, f := range fields[1:] {
		switch f.key {
		case "S":
			start, err = parseInt(f)
		case "E":
			end, err = parseInt(f)
		case "W":
			word, hasWord = p.word(f.value), true
		case "a":
			ac, err = parseFloat(f)
		case "l":
			lm, err = parseFloat(f)
		}
		if err != nil {
			return err
		}
	}
	if start < 0 || end < 0 {
		return errors.Wrap(ErrFormat, "link without S= or E=")
	}
	from, err := p.node(start)
	if err != nil {
		return err
	}
	to, err := p.node(end)
	if err != nil {
		return err
	}
	p.lat.AddLink(from, to, word, ac*p.logBase, lm*p.logBase)
	p.linkWords = append(p.linkWords, hasWord)
	return nil
}

// node returns the node with the given ID, creating it and any missing
// lower IDs. The ID must be below N= when the header gave one.
func (p *slfReader) node(id int) (*Node, error) {
	if p.numNodes >= 0 && id >= p.numNodes {
		return nil, errors.Wrapf(ErrFormat, "node ID %d out of range, N=%d", id, p.numNodes)
	}
	if id >= MaxNodes {
		return nil, errors.Wrapf(ErrFormat, "node ID %d exceeds %d nodes", id, MaxNodes)
	}
	for len(p.lat.Nodes) <= id {
		p.lat.AddNode()
	}
	return p.lat.Nodes[id], nil
}

func (p *slfReader) word(w string) string {
	if p.opts.useForm {
		return p.opts.form.String(w)
	}
	return w
}

func (p *slfReader) finish() error {
	if p.numNodes >= 0 {
		if len(p.lat.Nodes) > p.numNodes {
			return errors.Wrapf(ErrFormat, "node ID %d out of range, N=%d", len(p.lat.Nodes)-1, p.numNodes)
		}
		if p.numNodes > 0 {
			if _, err := p.node(p.numNodes - 1); err != nil {
				return err
			}
		}
	}
	if p.numLinks >= 0 && len(p.lat.Links) != p.numLinks {
		return errors.Wrapf(ErrFormat, "read %d links, L=%d", len(p.lat.Links), p.numLinks)
	}
	if len(p.lat.Nodes) == 0 {
		return errors.Wrap(ErrFormat, "lattice has no nodes")
	}
	p.lat.WordPenalty *= p.logBase

	for i, link := range p.lat.Links {
		if !p.linkWords[i] {
			link.Word = link.End.Word
		}
		if link.Word == "" {
			link.Word = "!NULL"
		}
	}

	var err error
	if p.lat.Initial, err = p.pickNode(p.start, "start", func(n *Node) bool { return len(n.InLinks) == 0 }); err != nil {
		return err
	}
	if p.lat.Final, err = p.pickNode(p.end, "end", func(n *Node) bool { return len(n.OutLinks) == 0 }); err != nil {
		return err
	}
	return nil
}

func (p *slfReader) pickNode(id int, name string, candidate func(*Node) bool) (*Node, error) {
	if id >= 0 {
		if id >= len(p.lat.Nodes) {
			return nil, errors.Wrapf(ErrFormat, "%s node %d does not exist", name, id)
		}
		return p.lat.Nodes[id], nil
	}
	var found *Node
	for _, n := range p.lat.Nodes {
		if !candidate(n) {
			continue
		}
		if found != nil {
			return nil, errors.Wrapf(ErrFormat, "no %s= field and more than one candidate %s node", name, name)
		}
		found = n
	}
	if found == nil {
		return nil, errors.Wrapf(ErrFormat, "no %s= field and no candidate %s node", name, name)
	}
	return found, nil
}

func parseFloat(f field) (float64, error) {
	v, err := strconv.ParseFloat(f.value, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrFormat, "invalid %s=%q", f.key, f.value)
	}
	return v, nil
}

func parseInt(f field) (int, error) {
	v, err := strconv.Atoi(f.value)
	if err != nil || v < 0 {
		return 0, errors.Wrapf(ErrFormat, "invalid %s=%q", f.key, f.value)
	}
	return v, nil
}
