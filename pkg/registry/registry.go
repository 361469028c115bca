package registry

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of every known tool. Readers hold on to a
// snapshot for as long as they like; syncs publish a new one.
type Snapshot struct {
	Version  uint64
	SyncedAt time.Time

	tools    map[string]ToolDescriptor
	names    []string            // sorted
	services map[string][]string // service -> tool names, catalog order
}

func emptySnapshot() *Snapshot {
	return &Snapshot{tools: map[string]ToolDescriptor{}, services: map[string][]string{}}
}

func newSnapshot(version uint64, at time.Time, descs []ToolDescriptor) *Snapshot {
	s := &Snapshot{
		Version:  version,
		SyncedAt: at,
		tools:    make(map[string]ToolDescriptor, len(descs)),
		services: map[string][]string{},
	}

	for _, d := range descs {
		s.tools[d.Name] = d
		s.names = append(s.names, d.Name)
		s.services[d.ServiceID] = append(s.services[d.ServiceID], d.Name)
	}
	slices.Sort(s.names)

	return s
}

// Resolve looks up a tool by exact name.
func (s *Snapshot) Resolve(name string) (ToolDescriptor, bool) {
	d, ok := s.tools[name]
	return d, ok
}

// Len returns the number of tools.
func (s *Snapshot) Len() int { return len(s.tools) }

// Tools returns all descriptors sorted by name.
func (s *Snapshot) Tools() []ToolDescriptor {
	out := make([]ToolDescriptor, len(s.names))
	for i, n := range s.names {
		out[i] = s.tools[n]
	}

	return out
}

// Services returns the IDs of services that contributed tools, sorted.
func (s *Snapshot) Services() []string {
	ids := make([]string, 0, len(s.services))
	for id := range s.services {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return ids
}

// Service returns one service's descriptors in catalog order.
func (s *Snapshot) Service(id string) []ToolDescriptor {
	names := s.services[id]

	out := make([]ToolDescriptor, len(names))
	for i, n := range names {
		out[i] = s.tools[n]
	}

	return out
}

// Registry holds the current tool snapshot. Lookups are lock-free; Sync
// builds a replacement off to the side and swaps it in atomically.
type Registry struct {
	current atomic.Pointer[Snapshot]

	syncMu     sync.Mutex
	log        *slog.Logger
	cache      Cache
	cacheTTL   time.Duration
	projection string
	now        func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithCache enables the catalog cache used when a service is unreachable
// and no earlier snapshot has its tools.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(r *Registry) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

// WithProjectionField names the parameter tools use for result field
// projection (for example "fields").
func WithProjectionField(name string) Option {
	return func(r *Registry) { r.projection = strings.TrimSpace(name) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		log:   slog.Default(),
		cache: noopCache{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = noopCache{}
	}

	r.current.Store(emptySnapshot())

	return r
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Resolve looks up a tool in the current snapshot.
func (r *Registry) Resolve(name string) (ToolDescriptor, bool) {
	return r.current.Load().Resolve(name)
}

// Tools lists the current snapshot sorted by name.
func (r *Registry) Tools() []ToolDescriptor {
	return r.current.Load().Tools()
}

// DefaultFieldsFor returns the projection a tool applies when the caller
// names no fields. Nil means the tool has no projection defaults.
func (r *Registry) DefaultFieldsFor(name string) []string {
	d, ok := r.Resolve(name)
	if !ok {
		return nil
	}

	return slices.Clone(d.DefaultFields)
}

// ProjectionField returns the configured projection parameter name.
func (r *Registry) ProjectionField() string {
	return r.projection
}
