package kstage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/birdayz/kflow/kdoc"
	"github.com/birdayz/kflow/kserde"
	"github.com/birdayz/kflow/kstate"
)

// DefaultTopK is used when neither the call nor the stage sets k.
const DefaultTopK = 10

type indexRecord struct {
	ID        uint64    `json:"id"`
	DocID     uint64    `json:"doc_id"`
	Embedding []float32 `json:"embedding"`
	Meta      []byte    `json:"meta,omitempty"`
}

var recordSerde = kserde.JSON[indexRecord]()

// Indexer is a brute-force vector index over the query units it has seen.
// On index calls it stores every unit's embedding; on search calls it sets
// each unit's matches to the top k stored units by cosine score. State lives
// in the unit's workspace.
type Indexer struct {
	topK int

	mu      sync.RWMutex
	ws      *kstate.Workspace
	records []indexRecord
	pos     map[uint64]int
	log     *slog.Logger
}

func newIndexer(p Params) (Stage, error) {
	k, err := p.Int("top_k", DefaultTopK)
	if err != nil {
		return nil, err
	}
	return &Indexer{topK: k, pos: make(map[uint64]int)}, nil
}

func (x *Indexer) Init(c *Context) error {
	ws, err := kstate.OpenWorkspace(c.Root, c.Namespace)
	if err != nil {
		return fmt.Errorf("open workspace %q: %w", c.Namespace, err)
	}
	x.ws = ws
	x.log = c.Logger
	if x.log == nil {
		x.log = slog.New(slog.DiscardHandler)
	}

	for _, v := range ws.Store().All() {
		rec, err := recordSerde.Deserializer(v)
		if err != nil {
			ws.Close()
			return fmt.Errorf("load index: %w", err)
		}
		x.put(rec)
	}
	x.log.Debug("Index loaded", "records", len(x.records), "workspace", ws.Dir)
	return nil
}

func (x *Indexer) Close() error {
	if x.ws == nil {
		return nil
	}
	err := x.ws.Close()
	x.ws = nil
	return err
}

// Len returns the number of stored units.
func (x *Indexer) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.records)
}

func (x *Indexer) put(rec indexRecord) {
	if i, ok := x.pos[rec.ID]; ok {
		x.records[i] = rec
		return
	}
	x.pos[rec.ID] = len(x.records)
	x.records = append(x.records, rec)
}

func (x *Indexer) Process(ctx context.Context, call Call, docs []*kdoc.Document) ([]*kdoc.Document, error) {
	if x.ws == nil {
		return nil, fmt.Errorf("indexer not initialized")
	}
	switch call.Kind {
	case kdoc.CallIndex:
		return docs, x.index(docs)
	case kdoc.CallSearch:
		k := call.TopK
		if k <= 0 {
			k = x.topK
		}
		x.search(docs, k)
		return docs, nil
	default:
		return docs, nil
	}
}

func (x *Indexer) index(docs []*kdoc.Document) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, d := range docs {
		for _, u := range kdoc.QueryUnits(d) {
			if len(u.Embedding) == 0 {
				return fmt.Errorf("unit %d of document %d has no embedding", u.ID, u.DocID)
			}
			rec := indexRecord{ID: u.ID, DocID: u.DocID, Embedding: u.Embedding, Meta: u.Meta}
			key, _ := kserde.Uint64.Serializer(rec.ID)
			val, err := recordSerde.Serializer(rec)
			if err != nil {
				return err
			}
			if err := x.ws.Store().Set(key, val); err != nil {
				return fmt.Errorf("store unit %d: %w", rec.ID, err)
			}
			x.put(rec)
		}
	}
	return nil
}

func (x *Indexer) search(docs []*kdoc.Document, k int) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	for _, d := range docs {
		for _, u := range kdoc.QueryUnits(d) {
			matches := make([]kdoc.Match, 0, len(x.records))
			for _, rec := range x.records {
				matches = append(matches, kdoc.Match{
					ID:    rec.ID,
					DocID: rec.DocID,
					Score: cosine(u.Embedding, rec.Embedding),
					Meta:  rec.Meta,
				})
			}
			slices.SortStableFunc(matches, func(a, b kdoc.Match) int {
				switch {
				case a.Score > b.Score:
					return -1
				case a.Score < b.Score:
					return 1
				case a.ID < b.ID:
					return -1
				case a.ID > b.ID:
					return 1
				default:
					return 0
				}
			})
			if len(matches) > k {
				matches = matches[:k]
			}
			u.SetMatches(matches)
		}
	}
}
