package table

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"viewrelay/pkg/metrics"
	"viewrelay/pkg/view"
)

// Subscriber is a connected listener of one table. The cache only writes to
// it, the transport owns the connection.
type Subscriber interface {
	ID() string
	Send(payload []byte) error
}

// Stats is a point-in-time summary of a cache.
type Stats struct {
	Table            string         `json:"table"`
	Subscribers      int            `json:"subscribers"`
	StableTimestamp  view.Timestamp `json:"stable_timestamp"`
	PendingTimestamp view.Timestamp `json:"pending_timestamp"`
	Pending          bool           `json:"pending"`
}

// Cache reconciles the change feed of one table into a stable view, which is
// safe to hand to new subscribers, and a pending view that accumulates the
// window not yet broadcast.
//
// All operations hold the cache lock for their whole duration, so a new
// subscriber never observes a half-applied flush.
type Cache struct {
	name    string
	log     *slog.Logger
	metrics metrics.Collector

	mu          sync.Mutex
	stable      *view.ViewUpdate
	pending     *view.ViewUpdate
	subscribers map[string]Subscriber
}

func New(name string, logger *slog.Logger, collector metrics.Collector) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.Nop()
	}
	return &Cache{
		name:        name,
		log:         logger.With("table", name),
		metrics:     collector,
		stable:      view.New(0, 0),
		subscribers: make(map[string]Subscriber),
	}
}

func (c *Cache) Name() string { return c.name }

// HandleUpdate applies one row event. Rejected events leave the cache as it
// was. If the views end up inconsistent the table is reset and every
// subscriber receives an empty snapshot.
func (c *Cache) HandleUpdate(u view.RowUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	labels := c.labels()
	err := c.apply(u)
	switch {
	case err == nil:
		c.metrics.IncCounter(metrics.UpdatesTotal, map[string]string{"table": c.name, "operation": u.Operation.String()}, 1)
		return nil
	case view.IsInvariantBreach(err):
		c.log.Error("view invariant violated, resetting table", "error", err)
		c.metrics.IncCounter(metrics.ResetsTotal, labels, 1)
		c.resetLocked()
	case errors.Is(err, view.ErrOutOfOrderDelete):
		c.log.Warn("dropping update", "error", err)
		c.metrics.IncCounter(metrics.RejectedUpdatesTotal, labels, 1)
	default:
		c.metrics.IncCounter(metrics.RejectedUpdatesTotal, labels, 1)
	}
	return fmt.Errorf("table %s: %w", c.name, err)
}

func (c *Cache) apply(u view.RowUpdate) error {
	switch {
	case c.pending == nil:
		from := c.stable.To()
		if u.Timestamp < from {
			// older than everything already settled, fold it into the next window
			c.pending = view.New(from, from)
			return c.pending.Update(u, true)
		}
		c.pending = view.New(from, u.Timestamp)
		return c.pending.Update(u, false)

	case u.Timestamp == c.pending.To():
		return c.pending.Update(u, false)

	case u.Timestamp < c.pending.To():
		// Late events are folded into the open window at its timestamp. History
		// is not re-derived, so a late delete may end up in a later diff than
		// the insert it cancels.
		c.log.Debug("out of order update", "timestamp", u.Timestamp, "window", c.pending.To())
		return c.pending.Update(u, true)

	default:
		if err := c.flushLocked(); err != nil {
			return err
		}
		c.pending = view.New(c.stable.To(), u.Timestamp)
		return c.pending.Update(u, false)
	}
}

// flushLocked broadcasts the pending window and merges it into the stable
// view. Deletes of rows nobody inserted are broadcast as they are.
func (c *Cache) flushLocked() error {
	pending := c.pending
	payload := pending.Serialize()

	c.broadcastLocked(payload)
	if err := c.stable.Merge(pending); err != nil {
		return err
	}
	c.pending = nil

	c.metrics.IncCounter(metrics.FlushesTotal, c.labels(), 1)
	c.metrics.ObserveHistogram(metrics.FlushRows, c.labels(), float64(len(payload.Insert)+len(payload.Delete)))
	c.log.Debug("flushed",
		"from", payload.FromTimestamp,
		"to", payload.ToTimestamp,
		"inserts", len(payload.Insert),
		"deletes", len(payload.Delete),
	)
	return nil
}

// Add registers s and sends it the stable view as its initial snapshot. A
// subscriber that fails the initial write is not kept.
func (c *Cache) Add(s Subscriber) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, err := c.stable.Serialize().Encode()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.Send(msg); err != nil {
		return fmt.Errorf("send snapshot to %s: %w", s.ID(), err)
	}

	c.subscribers[s.ID()] = s
	c.metrics.SetGauge(metrics.Subscribers, c.labels(), float64(len(c.subscribers)))
	c.log.Debug("subscriber added", "subscriber", s.ID())
	return nil
}

// Remove is safe to call for unknown or already removed subscribers.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subscribers[id]; !ok {
		return
	}
	delete(c.subscribers, id)
	c.metrics.SetGauge(metrics.Subscribers, c.labels(), float64(len(c.subscribers)))
	c.log.Debug("subscriber removed", "subscriber", id)
}

// Broadcast writes payload to every subscriber.
func (c *Cache) Broadcast(payload view.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcastLocked(payload)
}

// broadcastLocked drops subscribers whose write fails, that is how closed
// connections are discovered.
func (c *Cache) broadcastLocked(payload view.Payload) {
	if len(c.subscribers) == 0 {
		return
	}
	msg, err := payload.Encode()
	if err != nil {
		c.log.Error("encode payload", "error", err)
		return
	}

	dropped := 0
	for id, s := range c.subscribers {
		if err := s.Send(msg); err != nil {
			delete(c.subscribers, id)
			dropped++
			c.log.Debug("dropping subscriber", "subscriber", id, "error", err)
		}
	}
	if dropped > 0 {
		c.metrics.IncCounter(metrics.DroppedSubscribersTotal, c.labels(), float64(dropped))
		c.metrics.SetGauge(metrics.Subscribers, c.labels(), float64(len(c.subscribers)))
	}
}

// Clear discards all state and sends the empty snapshot to every subscriber.
// Used when the upstream feed restarts.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetLocked()
	c.metrics.IncCounter(metrics.ClearsTotal, c.labels(), 1)
	c.log.Info("view cleared")
}

func (c *Cache) resetLocked() {
	c.stable = view.New(0, 0)
	c.pending = nil
	c.broadcastLocked(c.stable.Serialize())
}

// Snapshot returns the stable view.
func (c *Cache) Snapshot() view.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stable.Serialize()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		Table:           c.name,
		Subscribers:     len(c.subscribers),
		StableTimestamp: c.stable.To(),
	}
	if c.pending != nil {
		st.Pending = true
		st.PendingTimestamp = c.pending.To()
	}
	return st
}

// Close forgets every subscriber without writing to them.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.subscribers)
	c.metrics.SetGauge(metrics.Subscribers, c.labels(), 0)
}

func (c *Cache) labels() map[string]string {
	return map[string]string{"table": c.name}
}
