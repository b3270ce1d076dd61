package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultProbeTimeout = 5 * time.Second

// Pinger matches the Postgres store's connectivity probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker probes Postgres. The database is critical: without it
// the indexer cannot upsert chunks and cache lookups fail hard.
type DatabaseChecker struct {
	db      Pinger
	timeout time.Duration
}

func NewDatabaseChecker(db Pinger) *DatabaseChecker {
	return &DatabaseChecker{db: db, timeout: defaultProbeTimeout}
}

func (d *DatabaseChecker) Name() string           { return "database" }
func (d *DatabaseChecker) IsCritical() bool       { return true }
func (d *DatabaseChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseChecker) Probe(ctx context.Context) error {
	return d.db.Ping(ctx)
}

// EngineProber matches the search engine client's health endpoint.
type EngineProber interface {
	Health(ctx context.Context) error
}

// VespaChecker probes the Vespa query container. Critical: search and
// chat both dead-end without the index.
type VespaChecker struct {
	client  EngineProber
	timeout time.Duration
}

func NewVespaChecker(client EngineProber) *VespaChecker {
	return &VespaChecker{client: client, timeout: defaultProbeTimeout}
}

func (v *VespaChecker) Name() string           { return "vespa" }
func (v *VespaChecker) IsCritical() bool       { return true }
func (v *VespaChecker) Timeout() time.Duration { return v.timeout }

func (v *VespaChecker) Probe(ctx context.Context) error {
	return v.client.Health(ctx)
}

// RedisChecker probes Redis. Non-critical: the request limiter and the
// query embedding cache fall back to in-process state when Redis is down.
type RedisChecker struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client, timeout: defaultProbeTimeout}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return false }
func (r *RedisChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisChecker) Probe(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// FuncChecker wraps an arbitrary probe function.
type FuncChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	fn       func(ctx context.Context) error
}

func NewFuncChecker(name string, critical bool, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, critical: critical, timeout: defaultProbeTimeout, fn: fn}
}

func (f *FuncChecker) Name() string           { return f.name }
func (f *FuncChecker) IsCritical() bool       { return f.critical }
func (f *FuncChecker) Timeout() time.Duration { return f.timeout }

func (f *FuncChecker) Probe(ctx context.Context) error {
	return f.fn(ctx)
}
