package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"eventline/pkg/telemetry"
)

// Strategy selects how leader locks are keyed.
type Strategy string

const (
	// StrategyGlobal uses one lock across all processors: a single instance
	// runs everything.
	StrategyGlobal Strategy = "GLOBAL"

	// StrategyPerProcessor uses one lock per processor so different instances
	// can lead different processors concurrently.
	StrategyPerProcessor Strategy = "PER_PROCESSOR"
)

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyGlobal, StrategyPerProcessor:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown leader strategy %q", s)
	}
}

// LeaderElector provides coarse mutual exclusion through session-scoped
// advisory locks. A lock is held by a dedicated pooled connection; if the
// instance crashes or the connection drops, the database releases the lock
// and another instance can take over without cleanup.
type LeaderElector struct {
	pool       *pgxpool.Pool
	strategy   Strategy
	instanceID string
	sink       telemetry.Sink

	mu    sync.Mutex
	locks map[string]*pgxpool.Conn
}

// NewLeaderElector creates an elector for this instance.
func NewLeaderElector(pool *pgxpool.Pool, strategy Strategy, instanceID string, sink telemetry.Sink) *LeaderElector {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &LeaderElector{
		pool:       pool,
		strategy:   strategy,
		instanceID: instanceID,
		sink:       sink,
	}
}

// lockName maps a processor to its advisory lock key. Under GLOBAL every
// processor shares one key.
func (le *LeaderElector) lockName(processorID string) string {
	if le.strategy == StrategyGlobal {
		return "eventline/leader"
	}
	return "eventline/leader/" + processorID
}

// signalProcessorID is what LeadershipChanged carries; empty under GLOBAL.
func (le *LeaderElector) signalProcessorID(processorID string) string {
	if le.strategy == StrategyGlobal {
		return ""
	}
	return processorID
}

// TryAcquire attempts to take leadership for the processor without blocking.
// It returns true when this instance holds the lock after the call, whether
// taken now or on an earlier call.
func (le *LeaderElector) TryAcquire(ctx context.Context, processorID string) (bool, error) {
	name := le.lockName(processorID)

	le.mu.Lock()
	defer le.mu.Unlock()
	if le.locks == nil {
		le.locks = make(map[string]*pgxpool.Conn)
	}
	if _, held := le.locks[name]; held {
		return true, nil
	}

	// The lock must outlive this call, so it is taken on a connection pinned
	// out of the pool rather than on an arbitrary pooled connection.
	conn, err := le.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire leader connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", name).Scan(&acquired); err != nil {
		conn.Release()
		return false, fmt.Errorf("try leader lock %s: %w", name, err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	le.locks[name] = conn
	le.sink.Emit(telemetry.LeadershipChanged{
		InstanceID:  le.instanceID,
		ProcessorID: le.signalProcessorID(processorID),
		IsLeader:    true,
	})
	return true, nil
}

// Release gives up leadership for the processor. Releasing a lock this
// instance does not hold is a no-op.
func (le *LeaderElector) Release(ctx context.Context, processorID string) error {
	name := le.lockName(processorID)

	le.mu.Lock()
	conn, held := le.locks[name]
	if held {
		delete(le.locks, name)
	}
	le.mu.Unlock()
	if !held {
		return nil
	}

	_, err := conn.Exec(ctx, "SELECT pg_advisory_unlock(hashtext($1))", name)
	conn.Release()
	le.sink.Emit(telemetry.LeadershipChanged{
		InstanceID:  le.instanceID,
		ProcessorID: le.signalProcessorID(processorID),
		IsLeader:    false,
	})
	if err != nil {
		return fmt.Errorf("release leader lock %s: %w", name, err)
	}
	return nil
}

// ReleaseAll gives up every lock this instance holds.
func (le *LeaderElector) ReleaseAll(ctx context.Context) {
	le.mu.Lock()
	names := make([]string, 0, len(le.locks))
	for name := range le.locks {
		names = append(names, name)
	}
	le.mu.Unlock()

	for _, name := range names {
		le.mu.Lock()
		conn, held := le.locks[name]
		if held {
			delete(le.locks, name)
		}
		le.mu.Unlock()
		if !held {
			continue
		}
		_, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock(hashtext($1))", name)
		conn.Release()
	}
}

// IsLeader reports whether this instance currently holds the lock for the
// processor.
func (le *LeaderElector) IsLeader(processorID string) bool {
	le.mu.Lock()
	defer le.mu.Unlock()
	_, held := le.locks[le.lockName(processorID)]
	return held
}
