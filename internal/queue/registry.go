package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gtaroom/GTA-GAME-sub005/internal/metrics"
)

const (
	DefaultPrefix    = "dispatch"
	DefaultRetention = time.Hour
	DefaultLease     = 5 * time.Minute
)

// Option configures a Registry.
type Option func(*Registry)

func WithPrefix(p string) Option { return func(g *Registry) { g.prefix = p } }

// WithRetention sets how long completed and failed jobs stay readable.
func WithRetention(d time.Duration) Option { return func(g *Registry) { g.retention = d } }

// WithLease sets how long a taken job may go without a heartbeat before the
// scheduler treats its worker as gone.
func WithLease(d time.Duration) Option { return func(g *Registry) { g.lease = d } }

func WithLogger(l *zap.Logger) Option { return func(g *Registry) { g.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(g *Registry) { g.metrics = m } }

// WithClock overrides time.Now for every queue the registry creates.
func WithClock(now func() time.Time) Option { return func(g *Registry) { g.now = now } }

// Registry hands out one Queue per dashboard, all sharing a single broker
// connection. Handles are created on first use and never removed. It is
// safe for concurrent use.
type Registry struct {
	rdb       r.UniversalClient
	prefix    string
	retention time.Duration
	lease     time.Duration
	now       func() time.Time
	log       *zap.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewRegistry builds a registry over rdb. The caller owns the client lifecycle.
func NewRegistry(rdb r.UniversalClient, opts ...Option) *Registry {
	g := &Registry{
		rdb:       rdb,
		prefix:    DefaultPrefix,
		retention: DefaultRetention,
		lease:     DefaultLease,
		now:       time.Now,
		queues:    make(map[string]*Queue),
	}
	for _, o := range opts {
		o(g)
	}
	if g.log == nil {
		g.log = zap.NewNop()
	}
	if g.metrics == nil {
		g.metrics = metrics.New(nil)
	}
	return g
}

// Queue returns the handle for tenant, creating it on first use. Every call
// with the same tenant returns the same pointer.
func (g *Registry) Queue(tenant string) *Queue {
	g.mu.Lock()
	defer g.mu.Unlock()

	if q, ok := g.queues[tenant]; ok {
		return q
	}
	q := &Queue{
		rdb:       g.rdb,
		tenant:    tenant,
		keys:      keys{prefix: g.prefix, tenant: tenant},
		retention: g.retention,
		lease:     g.lease,
		now:       g.now,
		log:       g.log,
	}
	g.queues[tenant] = q
	g.metrics.Queues.Set(float64(len(g.queues)))
	g.log.Info("queue created", zap.String("tenant", tenant))
	return q
}

// Len returns the number of handles created so far.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queues)
}

// Tenants lists every dashboard that has ever received a job, from any process.
func (g *Registry) Tenants(ctx context.Context) ([]string, error) {
	out, err := g.rdb.SMembers(ctx, tenantsKey(g.prefix)).Result()
	if err != nil {
		return nil, brokerErr("tenants", err)
	}
	sort.Strings(out)
	return out, nil
}

// Ping checks the shared broker connection.
func (g *Registry) Ping(ctx context.Context) error {
	if err := g.rdb.Ping(ctx).Err(); err != nil {
		return brokerErr("ping", err)
	}
	return nil
}
