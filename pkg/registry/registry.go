package registry

import (
	"log/slog"

	"github.com/zhangyunhao116/skipmap"

	"viewrelay/pkg/metrics"
	"viewrelay/pkg/table"
	"viewrelay/pkg/view"
)

type tableMap = skipmap.FuncMap[string, *table.Cache]

// Registry is the directory of per-table caches. Caches are created on first
// reference and live until Close. Tables never coordinate with each other.
type Registry struct {
	log     *slog.Logger
	metrics metrics.Collector
	tables  *tableMap
}

func New(logger *slog.Logger, collector metrics.Collector) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.Nop()
	}
	return &Registry{
		log:     logger,
		metrics: collector,
		tables: skipmap.NewFunc[string, *table.Cache](func(a, b string) bool {
			return a < b
		}),
	}
}

// Table returns the cache of name, creating it if needed.
func (r *Registry) Table(name string) *table.Cache {
	c, loaded := r.tables.LoadOrStoreLazy(name, func() *table.Cache {
		return table.New(name, r.log, r.metrics)
	})
	if !loaded {
		r.log.Info("table created", "table", name)
	}
	return c
}

func (r *Registry) Subscribe(name string, s table.Subscriber) error {
	return r.Table(name).Add(s)
}

func (r *Registry) Unsubscribe(name string, id string) {
	if c, ok := r.tables.Load(name); ok {
		c.Remove(id)
	}
}

func (r *Registry) HandleUpdate(name string, u view.RowUpdate) error {
	return r.Table(name).HandleUpdate(u)
}

func (r *Registry) Clear(name string) {
	r.Table(name).Clear()
}

func (r *Registry) Snapshot(name string) view.Payload {
	return r.Table(name).Snapshot()
}

// Tables returns stats of every known table ordered by name.
func (r *Registry) Tables() []table.Stats {
	stats := make([]table.Stats, 0, r.tables.Len())
	r.tables.Range(func(_ string, c *table.Cache) bool {
		stats = append(stats, c.Stats())
		return true
	})
	return stats
}

// Close drops every table. Subscriber connections are left to the transport.
func (r *Registry) Close() {
	r.tables.Range(func(name string, c *table.Cache) bool {
		c.Close()
		r.tables.Delete(name)
		return true
	})
}
