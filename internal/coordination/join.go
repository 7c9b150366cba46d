package coordination

import (
	"sync"
	"time"

	"github.com/birdayz/kflow/kdoc"
)

// JoinBuffer holds the envelopes of a request until every expected slot has
// delivered. A slot is a predecessor name at join points and a part index at
// stage group tails. An envelope with no documents fills its slot like any
// other.
type JoinBuffer struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[string]*joinEntry
	now     func() time.Time
}

type joinEntry struct {
	slots   map[string]*kdoc.Envelope
	created time.Time
}

// NewJoinBuffer returns a buffer evicting incomplete requests after ttl.
// ttl <= 0 disables eviction.
func NewJoinBuffer(ttl time.Duration) *JoinBuffer {
	return &JoinBuffer{
		ttl:     ttl,
		pending: make(map[string]*joinEntry),
		now:     time.Now,
	}
}

// Add stores env in slot of request id. Once need distinct slots have
// arrived it returns them and forgets the request. A second delivery to a
// filled slot is ignored.
func (b *JoinBuffer) Add(id, slot string, env *kdoc.Envelope, need int) (map[string]*kdoc.Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.pending[id]
	if !ok {
		e = &joinEntry{slots: make(map[string]*kdoc.Envelope, need), created: b.now()}
		b.pending[id] = e
	}
	if _, dup := e.slots[slot]; !dup {
		e.slots[slot] = env
	}
	if len(e.slots) < need {
		return nil, false
	}
	delete(b.pending, id)
	return e.slots, true
}

// Discard drops whatever is buffered for id.
func (b *JoinBuffer) Discard(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Expire evicts requests older than the ttl and returns their ids.
func (b *JoinBuffer) Expire() []string {
	if b.ttl <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var evicted []string
	now := b.now()
	for id, e := range b.pending {
		if now.Sub(e.created) > b.ttl {
			delete(b.pending, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Len returns the number of incomplete requests.
func (b *JoinBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
