// Package structure remembers where target links sit in a page layout so later
// pages with the same layout can be resolved without a full link search.
package structure

import (
	"sort"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// DefaultDepth is how many ancestors a signature records.
const DefaultDepth = 50

// Step is one element in an ancestor chain.
type Step struct {
	Tag   string `json:"tag"`
	Class string `json:"class,omitempty"`
}

// Signature is the chain of (tag, class) pairs from a link element upwards.
type Signature []Step

// Key renders the signature as a stable string.
func (s Signature) Key() string {
	var b strings.Builder
	for i, step := range s {
		if i > 0 {
			b.WriteByte('>')
		}
		b.WriteString(step.Tag)
		if step.Class != "" {
			b.WriteByte('.')
			b.WriteString(strings.ReplaceAll(step.Class, " ", "."))
		}
	}
	return b.String()
}

// SignatureOf walks from n up to depth ancestors, element nodes only.
func SignatureOf(n *html.Node, depth int) Signature {
	if depth <= 0 {
		depth = DefaultDepth
	}
	var sig Signature
	for cur := n; cur != nil && len(sig) < depth; cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		sig = append(sig, Step{Tag: cur.Data, Class: normaliseClass(attr(cur, "class"))})
	}
	return sig
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// normaliseClass collapses incidental whitespace.
func normaliseClass(class string) string {
	return strings.Join(strings.Fields(class), " ")
}

type entry struct {
	sig   Signature
	count int
	seq   int
}

// Entry is an exported view of a stored signature.
type Entry struct {
	Signature Signature `json:"signature"`
	Count     int       `json:"count"`
}

// Predictor maps a structure key (see util.StructureKey) to signatures that
// previously led to a verified target. Entries are only ever added.
type Predictor struct {
	depth int

	mu     sync.RWMutex
	byPath map[string]map[string]*entry
	seq    int
}

// New creates a Predictor. depth <= 0 uses DefaultDepth.
func New(depth int) *Predictor {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Predictor{
		depth:  depth,
		byPath: make(map[string]map[string]*entry),
	}
}

// Depth returns the signature depth.
func (p *Predictor) Depth() int {
	return p.depth
}

// Record stores sig under pathKey, bumping its count when already known.
func (p *Predictor) Record(pathKey string, sig Signature) {
	if pathKey == "" || len(sig) == 0 {
		return
	}
	key := sig.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	sigs, ok := p.byPath[pathKey]
	if !ok {
		sigs = make(map[string]*entry)
		p.byPath[pathKey] = sigs
	}
	if e, ok := sigs[key]; ok {
		e.count++
		return
	}
	p.seq++
	sigs[key] = &entry{sig: append(Signature(nil), sig...), count: 1, seq: p.seq}
}

// RecordNode records the signature of n.
func (p *Predictor) RecordNode(pathKey string, n *html.Node) {
	p.Record(pathKey, SignatureOf(n, p.depth))
}

// Known reports whether any signature is stored for pathKey.
func (p *Predictor) Known(pathKey string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byPath[pathKey]) > 0
}

// Matches returns the elements whose signature is stored for pathKey, ordered
// by how often the signature succeeded, then by document order.
func (p *Predictor) Matches(pathKey string, elements []*html.Node) []*html.Node {
	p.mu.RLock()
	sigs := p.byPath[pathKey]
	if len(sigs) == 0 {
		p.mu.RUnlock()
		return nil
	}
	type hit struct {
		node  *html.Node
		count int
		seq   int
		order int
	}
	var hits []hit
	for i, n := range elements {
		if e, ok := sigs[SignatureOf(n, p.depth).Key()]; ok {
			hits = append(hits, hit{node: n, count: e.count, seq: e.seq, order: i})
		}
	}
	p.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].count != hits[j].count {
			return hits[i].count > hits[j].count
		}
		if hits[i].seq != hits[j].seq {
			return hits[i].seq < hits[j].seq
		}
		return hits[i].order < hits[j].order
	})

	out := make([]*html.Node, len(hits))
	for i, h := range hits {
		out[i] = h.node
	}
	return out
}

// Predict returns the first element matching a stored signature.
func (p *Predictor) Predict(pathKey string, elements []*html.Node) (*html.Node, bool) {
	m := p.Matches(pathKey, elements)
	if len(m) == 0 {
		return nil, false
	}
	return m[0], true
}

// Len returns the number of stored path keys.
func (p *Predictor) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byPath)
}

// Snapshot copies the stored signatures for persistence.
func (p *Predictor) Snapshot() map[string][]Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string][]Entry, len(p.byPath))
	for path, sigs := range p.byPath {
		entries := make([]Entry, 0, len(sigs))
		for _, e := range sigs {
			entries = append(entries, Entry{Signature: append(Signature(nil), e.sig...), Count: e.count})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Signature.Key() < entries[j].Signature.Key() })
		out[path] = entries
	}
	return out
}

// Load merges persisted signatures.
func (p *Predictor) Load(snapshot map[string][]Entry) {
	for path, entries := range snapshot {
		for _, e := range entries {
			if len(e.Signature) == 0 {
				continue
			}
			p.Record(path, e.Signature)
			if e.Count > 1 {
				p.mu.Lock()
				p.byPath[path][e.Signature.Key()].count += e.Count - 1
				p.mu.Unlock()
			}
		}
	}
}
