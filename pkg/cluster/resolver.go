package cluster

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
)

var ErrNoRelays = errors.New("cluster: no relays available")

// Resolver maps a table to the base URL of the relay owning it.
type Resolver struct {
	mu   sync.RWMutex
	ring *HashRing
}

func NewResolver(ring *HashRing) *Resolver {
	return &Resolver{ring: ring}
}

func (r *Resolver) UpdateRing(ring *HashRing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring = ring
	slog.Info("relay ring updated", "relays", ring.ListNodes())
}

// Owner returns the base URL of the relay for table.
func (r *Resolver) Owner(table string) (string, error) {
	r.mu.RLock()
	ring := r.ring
	r.mu.RUnlock()

	if ring == nil {
		return "", ErrNoRelays
	}
	node, ok := ring.GetNode(table)
	if !ok {
		return "", ErrNoRelays
	}
	if strings.Contains(node, "://") {
		return node, nil
	}
	return "http://" + node, nil
}
