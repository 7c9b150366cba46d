package coordination

import (
	"sync"

	"github.com/birdayz/kflow/kdoc"
)

// Part is the share of a batch sent to one shard.
type Part struct {
	Shard int
	Docs  []*kdoc.Document
	// Slots are the positions of Docs in the original batch.
	Slots []int
}

// Splitter distributes documents over shards one by one in round-robin
// order. The position carries over between batches, so a stream of single
// document batches still spreads evenly.
type Splitter struct {
	mu     sync.Mutex
	shards int
	next   int
}

func NewSplitter(shards int) *Splitter {
	return &Splitter{shards: shards}
}

// Split returns the non-empty parts of docs ordered by shard.
func (s *Splitter) Split(docs []*kdoc.Document) []Part {
	s.mu.Lock()
	start := s.next
	s.next = (s.next + len(docs)) % s.shards
	s.mu.Unlock()

	parts := make([]Part, s.shards)
	for i := range parts {
		parts[i].Shard = i
	}
	for i, d := range docs {
		shard := (start + i) % s.shards
		parts[shard].Docs = append(parts[shard].Docs, d)
		parts[shard].Slots = append(parts[shard].Slots, i)
	}

	out := parts[:0]
	for _, p := range parts {
		if len(p.Docs) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Reassemble puts the documents of parts back into batch order.
func Reassemble(parts []Part) []*kdoc.Document {
	n := 0
	for _, p := range parts {
		n += len(p.Docs)
	}
	out := make([]*kdoc.Document, n)
	fill := 0
	for _, p := range parts {
		for i, d := range p.Docs {
			if i < len(p.Slots) && p.Slots[i] < n && out[p.Slots[i]] == nil {
				out[p.Slots[i]] = d
				continue
			}
			// Parts without slot information keep their relative order.
			for out[fill] != nil {
				fill++
			}
			out[fill] = d
		}
	}
	return out
}
