package kstage

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/birdayz/kflow/kdoc"
)

// Segmenter splits document text into sentence chunks.
//
// Chunk IDs are sequential per instance, prefixed with the replica index in
// the top 16 bits so replicas never hand out the same ID.
type Segmenter struct {
	separators string
	minLen     int
	maxLen     int

	replica uint64
	seq     atomic.Uint64
}

func newSegmenter(p Params) (Stage, error) {
	seps, err := p.String("separators", ".!?\n")
	if err != nil {
		return nil, err
	}
	minLen, err := p.Int("min_len", 1)
	if err != nil {
		return nil, err
	}
	maxLen, err := p.Int("max_len", 0)
	if err != nil {
		return nil, err
	}
	if minLen < 0 || maxLen < 0 || (maxLen > 0 && maxLen < minLen) {
		return nil, fmt.Errorf("invalid length bounds min_len=%d max_len=%d", minLen, maxLen)
	}
	return &Segmenter{separators: seps, minLen: minLen, maxLen: maxLen}, nil
}

func (s *Segmenter) Init(c *Context) error {
	s.replica = uint64(c.Replica) << 48
	return nil
}

func (s *Segmenter) Process(_ context.Context, _ Call, docs []*kdoc.Document) ([]*kdoc.Document, error) {
	for _, d := range docs {
		if len(d.Chunks) > 0 || d.Text == "" {
			continue
		}
		for i, sentence := range s.split(d.Text) {
			d.Chunks = append(d.Chunks, &kdoc.Chunk{
				ID:     s.replica | s.seq.Add(1),
				DocID:  d.ID,
				Text:   sentence,
				Weight: 1,
				Offset: i,
			})
		}
	}
	return docs, nil
}

func (s *Segmenter) split(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return strings.ContainsRune(s.separators, r)
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if len([]rune(p)) < s.minLen || p == "" {
			continue
		}
		if s.maxLen > 0 {
			if r := []rune(p); len(r) > s.maxLen {
				p = string(r[:s.maxLen])
			}
		}
		out = append(out, p)
	}
	return out
}
