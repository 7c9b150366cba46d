// Package coordination holds the decisions a stage group makes about where
// documents go: replica selection, shard splitting and join buffering.
package coordination

import (
	"fmt"
	"sync"
)

// Balancer picks one replica of a group for a batch.
type Balancer interface {
	// Pick returns a replica index for a batch of size docs.
	Pick(docs int) int
}

// Strategy names a Balancer implementation.
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLeastLoaded Strategy = "least_loaded"
)

// NewBalancer returns a balancer over n replicas.
func NewBalancer(s Strategy, n int) (Balancer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("balancer needs at least one replica, got %d", n)
	}
	switch s {
	case "", StrategyRoundRobin:
		return &RoundRobin{n: n}, nil
	case StrategyLeastLoaded:
		return &LeastLoaded{load: make([]int, n)}, nil
	default:
		return nil, fmt.Errorf("unknown balancing strategy %q", s)
	}
}

// RoundRobin cycles through the replicas.
type RoundRobin struct {
	mu   sync.Mutex
	n    int
	next int
}

func (b *RoundRobin) Pick(int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.next
	b.next = (b.next + 1) % b.n
	return i
}

// LeastLoaded picks the replica that was assigned the fewest documents so
// far, the lowest index on ties.
type LeastLoaded struct {
	mu   sync.Mutex
	load []int
}

func (b *LeastLoaded) Pick(docs int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	best := 0
	for i, l := range b.load {
		if l < b.load[best] {
			best = i
		}
	}
	b.load[best] += max(docs, 1)
	return best
}
