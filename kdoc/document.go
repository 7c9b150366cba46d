package kdoc

import (
	"fmt"
	"strings"
)

// CallKind is the kind of client call an envelope belongs to.
type CallKind string

const (
	CallIndex   CallKind = "index"
	CallSearch  CallKind = "search"
	CallControl CallKind = "control"
)

func (k CallKind) Validate() error {
	switch k {
	case CallIndex, CallSearch, CallControl:
		return nil
	default:
		return fmt.Errorf("unknown call kind %q", string(k))
	}
}

// ParseCallKind parses a call kind case-insensitively.
func ParseCallKind(s string) (CallKind, error) {
	k := CallKind(strings.ToLower(strings.TrimSpace(s)))
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

// Document is the opaque structured record flowing through a topology.
// Stages may read and rewrite any field; the orchestrator only looks at IDs,
// chunks and matches when reducing sharded search results.
type Document struct {
	ID        uint64    `json:"id"`
	Text      string    `json:"text,omitempty"`
	Blob      []byte    `json:"blob,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	Meta      []byte    `json:"meta,omitempty"`
	Weight    float32   `json:"weight,omitempty"`
	Chunks    []*Chunk  `json:"chunks,omitempty"`
	Matches   []Match   `json:"matches,omitempty"`
}

// Chunk is a segment of a Document produced by a segmenter.
type Chunk struct {
	ID        uint64    `json:"id"`
	DocID     uint64    `json:"doc_id"`
	Text      string    `json:"text,omitempty"`
	Blob      []byte    `json:"blob,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	Weight    float32   `json:"weight,omitempty"`
	Offset    int       `json:"offset,omitempty"`
	Matches   []Match   `json:"matches,omitempty"`
}

// Match is one ranked candidate for a query unit. Higher scores rank first.
type Match struct {
	ID    uint64  `json:"id"`
	DocID uint64  `json:"doc_id"`
	Score float64 `json:"score"`
	Meta  []byte  `json:"meta,omitempty"`
}

// QueryUnit is the part of a document a search ranks candidates for: every
// chunk if the document has any, the document itself otherwise.
type QueryUnit struct {
	ID        uint64
	DocID     uint64
	Text      string
	Embedding []float32
	Meta      []byte

	matches *[]Match
}

// Matches returns the current candidates of the unit.
func (u QueryUnit) Matches() []Match {
	return *u.matches
}

// SetMatches replaces the candidates of the unit in the underlying document.
func (u QueryUnit) SetMatches(m []Match) {
	*u.matches = m
}

// QueryUnits returns the query units of d in order.
func QueryUnits(d *Document) []QueryUnit {
	if len(d.Chunks) == 0 {
		return []QueryUnit{{
			ID:        d.ID,
			DocID:     d.ID,
			Text:      d.Text,
			Embedding: d.Embedding,
			Meta:      d.Meta,
			matches:   &d.Matches,
		}}
	}
	units := make([]QueryUnit, len(d.Chunks))
	for i, c := range d.Chunks {
		units[i] = QueryUnit{
			ID:        c.ID,
			DocID:     d.ID,
			Text:      c.Text,
			Embedding: c.Embedding,
			Meta:      d.Meta,
			matches:   &c.Matches,
		}
	}
	return units
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Blob = cloneBytes(d.Blob)
	out.Meta = cloneBytes(d.Meta)
	out.Embedding = cloneFloats(d.Embedding)
	out.Matches = cloneMatches(d.Matches)
	if d.Chunks != nil {
		out.Chunks = make([]*Chunk, len(d.Chunks))
		for i, c := range d.Chunks {
			cc := *c
			cc.Blob = cloneBytes(c.Blob)
			cc.Embedding = cloneFloats(c.Embedding)
			cc.Matches = cloneMatches(c.Matches)
			out.Chunks[i] = &cc
		}
	}
	return &out
}

// CloneAll deep-copies a batch.
func CloneAll(docs []*Document) []*Document {
	if docs == nil {
		return nil
	}
	out := make([]*Document, len(docs))
	for i, d := range docs {
		out[i] = d.Clone()
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneFloats(f []float32) []float32 {
	if f == nil {
		return nil
	}
	return append([]float32(nil), f...)
}

func cloneMatches(m []Match) []Match {
	if m == nil {
		return nil
	}
	out := make([]Match, len(m))
	for i := range m {
		out[i] = m[i]
		out[i].Meta = cloneBytes(m[i].Meta)
	}
	return out
}
