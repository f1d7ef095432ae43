// Package leaderelection gates the scheduling side behind a Postgres
// advisory lock so only one instance polls triggers at a time.
//
// The lock is session-scoped and lives on a dedicated connection; Postgres
// releases it server-side when that connection dies. There is no TTL and no
// renewal. The periodic ping only detects local connection death so a
// demoted leader stops its duties quickly.
package leaderelection

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// Reasons reported when leadership ends.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

// MetricsSink records leadership transitions. All methods must be
// non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

type Config struct {
	// LockKey identifies the advisory lock shared by all instances.
	LockKey int64

	// RetryInterval is how often a follower re-attempts acquisition.
	RetryInterval time.Duration

	// HeartbeatInterval is how often the leader pings its dedicated
	// connection.
	HeartbeatInterval time.Duration
}

// Elector runs the acquire/hold/demote cycle. OnElected is started in its
// own goroutine with a context that is cancelled on demotion; it should
// start leader duties and return. OnDemoted runs synchronously after the
// leader context is cancelled and must be idempotent.
type Elector struct {
	db        *sql.DB
	cfg       Config
	onElected func(ctx context.Context)
	onDemoted func()
	metrics   MetricsSink // optional, nil = disabled
}

func New(db *sql.DB, cfg Config, onElected func(ctx context.Context), onDemoted func()) *Elector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return &Elector{
		db:        db,
		cfg:       cfg,
		onElected: onElected,
		onDemoted: onDemoted,
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// Run blocks until ctx is cancelled, alternating between follower waits and
// leadership terms.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: election loop started (lock_key=%d, retry=%s, heartbeat=%s)",
		e.cfg.LockKey, e.cfg.RetryInterval, e.cfg.HeartbeatInterval)

	for {
		if ctx.Err() != nil {
			log.Println("leader: election loop stopped")
			return
		}

		reason := e.term(ctx)

		if ctx.Err() != nil {
			log.Println("leader: election loop stopped")
			return
		}
		if reason != "" {
			log.Printf("leader: lost leadership (reason=%s), retrying in %s", reason, e.cfg.RetryInterval)
		}

		select {
		case <-ctx.Done():
			log.Println("leader: election loop stopped")
			return
		case <-time.After(e.cfg.RetryInterval):
		}
	}
}

// term attempts one leadership term. Returns the loss reason, or "" when
// the lock was never acquired.
func (e *Elector) term(ctx context.Context) string {
	// The advisory lock binds to a session, so it needs its own connection
	// for as long as the term lasts.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		log.Printf("leader: dedicated connection: %v", err)
		return ""
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.cfg.LockKey).Scan(&acquired); err != nil {
		log.Printf("leader: advisory lock query: %v", err)
		return ""
	}
	if !acquired {
		return ""
	}

	log.Printf("leader: acquired advisory lock %d", e.cfg.LockKey)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancel := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	reason := e.hold(ctx, conn)

	cancel()
	e.onDemoted()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	log.Printf("leader: released advisory lock %d", e.cfg.LockKey)
	return reason
}

// hold pings the lock's connection until shutdown or connection death.
func (e *Elector) hold(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				log.Printf("leader: connection ping failed: %v", err)
				return ReasonConnLost
			}
		}
	}
}
