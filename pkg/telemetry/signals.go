// Package telemetry carries the engine's metric signals to pluggable sinks.
// Emission is fire-and-forget: the engine never blocks on a sink, and a
// stalled sink causes signals to be dropped, not backpressure.
package telemetry

import (
	"sync"
	"time"
)

// Signal is a metric event emitted by the engine.
type Signal interface {
	SignalName() string
}

// CommandStarted is emitted when command execution begins.
type CommandStarted struct {
	CommandType string
	At          time.Time
}

func (CommandStarted) SignalName() string { return "command_started" }

// CommandSucceeded is emitted when a command commits new events.
type CommandSucceeded struct {
	CommandType string
	Duration    time.Duration
}

func (CommandSucceeded) SignalName() string { return "command_succeeded" }

// CommandFailed is emitted when command execution fails. ErrorType is one of
// validation, domain, concurrency, infrastructure.
type CommandFailed struct {
	CommandType string
	ErrorType   string
}

func (CommandFailed) SignalName() string { return "command_failed" }

// IdempotentOperation is emitted when a command turns out to have already
// been performed; it is reported as success to the caller.
type IdempotentOperation struct {
	CommandType string
}

func (IdempotentOperation) SignalName() string { return "idempotent_operation" }

// LeadershipChanged is emitted when an instance gains or loses a leader lock.
type LeadershipChanged struct {
	InstanceID  string
	ProcessorID string // empty under the GLOBAL strategy
	IsLeader    bool
}

func (LeadershipChanged) SignalName() string { return "leadership_changed" }

// ProcessingCycle is emitted after each non-trivial processor poll.
type ProcessingCycle struct {
	ProcessorID string
	Fetched     int
	Handled     int
	Duration    time.Duration
}

func (ProcessingCycle) SignalName() string { return "processing_cycle" }

// Sink consumes signals. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(Signal)
}

// NopSink discards all signals.
type NopSink struct{}

func (NopSink) Emit(Signal) {}

// Dispatcher decouples signal producers from a sink through a buffered
// channel. Emit never blocks: when the buffer is full the signal is dropped
// and counted.
type Dispatcher struct {
	sink    Sink
	ch      chan Signal
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	dropped uint64
}

// NewDispatcher starts a dispatcher delivering to sink with the given buffer
// size.
func NewDispatcher(sink Sink, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{
		sink: sink,
		ch:   make(chan Signal, buffer),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for s := range d.ch {
		d.sink.Emit(s)
	}
	close(d.done)
}

// Emit enqueues the signal, dropping it when the buffer is full.
func (d *Dispatcher) Emit(s Signal) {
	select {
	case d.ch <- s:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
	}
}

// Dropped returns the number of signals discarded due to a full buffer.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close stops the dispatcher after draining buffered signals.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.ch)
		<-d.done
	})
}
