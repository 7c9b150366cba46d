// Package transport carries envelopes and control requests between runtime
// units over HTTP with JSON bodies.
package transport

import (
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kdoc"
	"github.com/birdayz/kflow/kserde"
)

// HTTP paths served by every unit.
const (
	PathStatus   = "/v1/status"
	PathServe    = "/v1/serve"
	PathShutdown = "/v1/shutdown"
	PathMetrics  = "/metrics"

	PathEnvelope = "/v1/envelope"
	// PathCall is only served by gateway units.
	PathCall = "/v1/call"
)

// Target is a unit envelopes are forwarded to.
type Target struct {
	// Node is the stage the target belongs to.
	Node string `json:"node"`
	Addr string `json:"addr"`
	// Shard is the replica index for targets inside a stage group.
	Shard int `json:"shard"`
}

// Wiring is sent on activation: where the unit forwards its output and
// which predecessors its entry waits for.
type Wiring struct {
	Targets []Target `json:"targets,omitempty"`
	Expect  []string `json:"expect,omitempty"`
}

// Status is the control-plane view of a unit.
type Status struct {
	Name  string    `json:"name"`
	Stage string    `json:"stage"`
	Role  kdag.Role `json:"role"`
	State string    `json:"state"`
	// Data is the unit's data address.
	Data string `json:"data"`
}

var envelopeSerde = kserde.JSON[*kdoc.Envelope]()

// EncodeEnvelope is the wire encoding of envelopes.
func EncodeEnvelope(e *kdoc.Envelope) ([]byte, error) {
	return envelopeSerde.Serializer(e)
}

// DecodeEnvelope decodes the wire encoding of envelopes.
func DecodeEnvelope(b []byte) (*kdoc.Envelope, error) {
	return envelopeSerde.Deserializer(b)
}
