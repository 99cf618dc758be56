package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"eventline/pkg/dcb"
	"eventline/pkg/telemetry"
)

// Config shapes a Runtime.
type Config struct {
	// InstanceID identifies this process in progress records and leadership
	// signals. Typically the host or pod name.
	InstanceID string

	// Strategy selects GLOBAL or PER_PROCESSOR leader election.
	Strategy Strategy

	// TickInterval is the poll scheduler period.
	TickInterval time.Duration

	// BatchSize is the default max events per fetch.
	BatchSize int

	// MaxErrors is the consecutive-error threshold before FAILED.
	MaxErrors int

	// Backoff shapes the idle backoff.
	Backoff BackoffPolicy

	// EventsTable is the event log table name.
	EventsTable string
}

// DefaultRuntimeConfig returns the runtime defaults.
func DefaultRuntimeConfig(instanceID string) Config {
	return Config{
		InstanceID:   instanceID,
		Strategy:     StrategyPerProcessor,
		TickInterval: 100 * time.Millisecond,
		BatchSize:    100,
		MaxErrors:    5,
		Backoff:      DefaultBackoff(),
		EventsTable:  "events",
	}
}

type procState struct {
	mu         sync.Mutex
	registered bool
	emptyPolls int
	skip       int
}

// Runtime drives a set of processors: one poll loop per processor, gated by
// leader election, advancing progress only after the handler succeeds.
type Runtime struct {
	cfg      Config
	progress *ProgressStore
	elector  *LeaderElector
	fetcher  *Fetcher
	sink     telemetry.Sink
	clock    dcb.Clock

	mu         sync.Mutex
	processors []Processor
	states     map[string]*procState
	started    bool
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeSink routes runtime signals to sink.
func WithRuntimeSink(sink telemetry.Sink) RuntimeOption {
	return func(r *Runtime) { r.sink = sink }
}

// WithRuntimeClock overrides the clock used for durations. Intended for
// tests.
func WithRuntimeClock(clock dcb.Clock) RuntimeOption {
	return func(r *Runtime) { r.clock = clock }
}

// NewRuntime creates a runtime over the pool.
func NewRuntime(pool *pgxpool.Pool, cfg Config, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		cfg:      cfg,
		progress: NewProgressStore(pool),
		fetcher:  NewFetcher(pool, cfg.EventsTable),
		sink:     telemetry.NopSink{},
		clock:    dcb.SystemClock(),
		states:   make(map[string]*procState),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.elector = NewLeaderElector(pool, cfg.Strategy, cfg.InstanceID, r.sink)
	return r
}

// Register adds a processor. All processors must be registered before Start.
func (r *Runtime) Register(p Processor) error {
	if p.ID == "" {
		return fmt.Errorf("processor ID cannot be empty")
	}
	if p.Handler == nil {
		return fmt.Errorf("processor %s has no handler", p.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("cannot register processor %s after start", p.ID)
	}
	if _, exists := r.states[p.ID]; exists {
		return fmt.Errorf("processor %s already registered", p.ID)
	}
	r.processors = append(r.processors, p)
	r.states[p.ID] = &procState{}
	return nil
}

// Start runs the poll loops until ctx is cancelled, then releases any held
// leader locks and returns.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runtime already started")
	}
	if len(r.processors) == 0 {
		r.mu.Unlock()
		return fmt.Errorf("no processors registered")
	}
	r.started = true
	processors := make([]Processor, len(r.processors))
	copy(processors, r.processors)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range processors {
		g.Go(func() error {
			return r.runLoop(gctx, p)
		})
	}
	err := g.Wait()

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.elector.ReleaseAll(releaseCtx)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runtime) runLoop(ctx context.Context, p Processor) error {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	st := r.states[p.ID]
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.tick(ctx, p, st); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("processor %s: tick failed: %v", p.ID, err)
			}
		}
	}
}

// tick is one poll cycle. Leadership, registration and status gate the fetch;
// progress advances only past events the handler reported as handled, so a
// crash between handling and the update re-delivers the batch.
func (r *Runtime) tick(ctx context.Context, p Processor, st *procState) error {
	leader, err := r.elector.TryAcquire(ctx, p.ID)
	if err != nil || !leader {
		return err
	}

	st.mu.Lock()
	registered := st.registered
	st.mu.Unlock()
	if !registered {
		if err := r.progress.AutoRegister(ctx, p.ID, r.cfg.InstanceID); err != nil {
			return err
		}
		st.mu.Lock()
		st.registered = true
		st.mu.Unlock()
	}

	status, err := r.progress.GetStatus(ctx, p.ID)
	if err != nil {
		return err
	}
	if status != StatusActive {
		return nil
	}

	st.mu.Lock()
	if st.skip > 0 {
		st.skip--
		st.mu.Unlock()
		return nil
	}
	st.mu.Unlock()

	start := r.clock.Now()
	pos, err := r.progress.GetLastPosition(ctx, p.ID)
	if err != nil {
		return err
	}

	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = r.cfg.BatchSize
	}
	batch, err := r.fetcher.FetchEvents(ctx, p.Filter, pos, batchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		st.mu.Lock()
		st.emptyPolls++
		st.skip = r.cfg.Backoff.Skips(st.emptyPolls)
		st.mu.Unlock()
		return nil
	}
	st.mu.Lock()
	st.emptyPolls = 0
	st.mu.Unlock()

	handled, handleErr := p.Handler.Handle(ctx, p.ID, batch)
	if handleErr != nil {
		if err := r.progress.RecordError(ctx, p.ID, handleErr.Error(), r.cfg.MaxErrors); err != nil {
			return err
		}
		r.emitCycle(p.ID, len(batch), handled, start)
		return nil
	}

	if handled > 0 {
		if handled > len(batch) {
			handled = len(batch)
		}
		if err := r.progress.UpdateProgress(ctx, p.ID, batch[handled-1].Position); err != nil {
			return err
		}
	}
	if err := r.progress.ResetErrorCount(ctx, p.ID); err != nil {
		return err
	}
	r.emitCycle(p.ID, len(batch), handled, start)
	return nil
}

func (r *Runtime) emitCycle(processorID string, fetched, handled int, start time.Time) {
	r.sink.Emit(telemetry.ProcessingCycle{
		ProcessorID: processorID,
		Fetched:     fetched,
		Handled:     handled,
		Duration:    r.clock.Now().Sub(start),
	})
}
