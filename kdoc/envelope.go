package kdoc

import (
	"fmt"
	"time"
)

// Hop is one entry of the visited-stage trail.
type Hop struct {
	Stage string    `json:"stage"`
	Unit  string    `json:"unit"`
	At    time.Time `json:"at"`
}

// FailureKind classifies a failure carried back to the gateway.
type FailureKind string

const (
	FailureStage     FailureKind = "stage"
	FailureRouting   FailureKind = "routing"
	FailureReduction FailureKind = "reduction"
)

// Failure is an error travelling inside an envelope.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Stage   string      `json:"stage"`
	Unit    string      `json:"unit"`
	Message string      `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure at %s (%s): %s", f.Kind, f.Stage, f.Unit, f.Message)
}

// Envelope is the in-flight unit of one request: a batch of documents plus
// routing metadata. It lives for exactly one request/response round trip.
type Envelope struct {
	RequestID string   `json:"request_id"`
	Kind      CallKind `json:"kind"`
	TopK      int      `json:"top_k,omitempty"`

	Docs  []*Document `json:"docs"`
	Trail []Hop       `json:"trail,omitempty"`

	// From names the topology node that sent this envelope. Join points key
	// their buffers on it.
	From string `json:"from,omitempty"`
	// ReplyTo is the data address of the gateway awaiting the response.
	ReplyTo string `json:"reply_to,omitempty"`

	// Part and Parts describe a fan-out inside a stage group: the tail waits
	// for Parts envelopes before releasing.
	Part  int `json:"part,omitempty"`
	Parts int `json:"parts,omitempty"`
	// Shard is the shard index that produced this part.
	Shard int `json:"shard,omitempty"`
	// Slots holds the original batch positions of Docs when a batch was split
	// across shards.
	Slots []int `json:"slots,omitempty"`

	Err *Failure `json:"error,omitempty"`
}

// Visit appends a hop to the trail.
func (e *Envelope) Visit(stage, unit string) {
	e.Trail = append(e.Trail, Hop{Stage: stage, Unit: unit, At: time.Now()})
}

// Visited reports whether stage appears in the trail.
func (e *Envelope) Visited(stage string) bool {
	for _, h := range e.Trail {
		if h.Stage == stage {
			return true
		}
	}
	return false
}

// Failed reports whether the envelope carries a failure.
func (e *Envelope) Failed() bool {
	return e.Err != nil
}

// Derive returns a copy of the routing metadata of e carrying docs. Fan-out
// bookkeeping is reset.
func (e *Envelope) Derive(docs []*Document) *Envelope {
	out := &Envelope{
		RequestID: e.RequestID,
		Kind:      e.Kind,
		TopK:      e.TopK,
		Docs:      docs,
		From:      e.From,
		ReplyTo:   e.ReplyTo,
		Err:       e.Err,
	}
	if e.Trail != nil {
		out.Trail = append([]Hop(nil), e.Trail...)
	}
	return out
}

// Fail turns e into a failure envelope with no documents.
func (e *Envelope) Fail(kind FailureKind, stage, unit string, err error) *Envelope {
	out := e.Derive(nil)
	out.Err = &Failure{Kind: kind, Stage: stage, Unit: unit, Message: err.Error()}
	return out
}

// MergeTrails returns the union of the trails in order of first appearance.
func MergeTrails(envs ...*Envelope) []Hop {
	seen := make(map[string]bool)
	var out []Hop
	for _, e := range envs {
		for _, h := range e.Trail {
			key := h.Stage + "\x00" + h.Unit
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, h)
		}
	}
	return out
}
