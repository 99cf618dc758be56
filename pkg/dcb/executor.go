package dcb

import (
	"context"
	"fmt"
	"sync"

	"eventline/pkg/telemetry"
)

// CommandExecutor runs command handlers inside a single database transaction:
// the handler's reads, the append-if and the command audit row all commit or
// roll back together.
type CommandExecutor struct {
	store EventStore
	sink  telemetry.Sink
	clock Clock

	mu       sync.RWMutex
	handlers map[string]CommandHandler
}

// ExecutorOption configures a CommandExecutor.
type ExecutorOption func(*CommandExecutor)

// WithSink routes execution signals to sink.
func WithSink(sink telemetry.Sink) ExecutorOption {
	return func(ex *CommandExecutor) { ex.sink = sink }
}

// WithExecutorClock overrides the clock used for durations. Intended for
// tests.
func WithExecutorClock(clock Clock) ExecutorOption {
	return func(ex *CommandExecutor) { ex.clock = clock }
}

// NewCommandExecutor creates an executor over the given store.
func NewCommandExecutor(store EventStore, opts ...ExecutorOption) *CommandExecutor {
	ex := &CommandExecutor{
		store:    store,
		sink:     telemetry.NopSink{},
		clock:    SystemClock(),
		handlers: make(map[string]CommandHandler),
	}
	for _, opt := range opts {
		opt(ex)
	}
	return ex
}

// Register binds a handler to a command type. Registering the same type twice
// is an error.
func (ex *CommandExecutor) Register(commandType string, handler CommandHandler) error {
	if commandType == "" {
		return validationErr("register", "commandType", "empty",
			fmt.Errorf("command type cannot be empty"))
	}
	if handler == nil {
		return validationErr("register", "handler", "nil",
			fmt.Errorf("handler cannot be nil"))
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if _, exists := ex.handlers[commandType]; exists {
		return validationErr("register", "commandType", commandType,
			fmt.Errorf("handler already registered for command type %q", commandType))
	}
	ex.handlers[commandType] = handler
	return nil
}

// ExecuteCommand dispatches the command to its registered handler.
func (ex *CommandExecutor) ExecuteCommand(ctx context.Context, command Command) (ExecutionResult, error) {
	ex.mu.RLock()
	handler, ok := ex.handlers[command.GetType()]
	ex.mu.RUnlock()
	if !ok {
		return 0, validationErr("executeCommand", "commandType", command.GetType(),
			fmt.Errorf("no handler registered for command type %q", command.GetType()))
	}
	return ex.Execute(ctx, command, handler)
}

// Execute runs the handler in one transaction. An idempotency clause match is
// not an error: the transaction rolls back and the result is IDEMPOTENT. A
// consistency clause match surfaces as a ConcurrencyError for the caller to
// retry with fresh state.
func (ex *CommandExecutor) Execute(ctx context.Context, command Command, handler CommandHandler) (ExecutionResult, error) {
	if command.GetType() == "" {
		return 0, validationErr("execute", "commandType", "empty",
			fmt.Errorf("command type cannot be empty"))
	}

	start := ex.clock.Now()
	ex.sink.Emit(telemetry.CommandStarted{CommandType: command.GetType(), At: start})

	result := ResultIdempotent
	err := ex.store.InTransaction(ctx, func(txCtx context.Context, tx TxEventStore) error {
		cmdResult, err := handler.Handle(txCtx, tx, command)
		if err != nil {
			return err
		}
		if len(cmdResult.Events) == 0 {
			// Handler recognized the operation as already performed.
			return nil
		}

		var condition AppendCondition
		if cmdResult.Condition != nil {
			condition = *cmdResult.Condition
		}
		if _, err := tx.AppendIf(txCtx, cmdResult.Events, condition); err != nil {
			return err
		}
		if ex.store.Config().PersistCommands {
			if err := tx.StoreCommand(txCtx, command); err != nil {
				return err
			}
		}
		result = ResultCreated
		return nil
	})

	if err != nil {
		if IsIdempotencyError(err) {
			ex.sink.Emit(telemetry.IdempotentOperation{CommandType: command.GetType()})
			return ResultIdempotent, nil
		}
		ex.sink.Emit(telemetry.CommandFailed{
			CommandType: command.GetType(),
			ErrorType:   ClassifyError(err),
		})
		return 0, err
	}

	if result == ResultIdempotent {
		ex.sink.Emit(telemetry.IdempotentOperation{CommandType: command.GetType()})
		return ResultIdempotent, nil
	}
	ex.sink.Emit(telemetry.CommandSucceeded{
		CommandType: command.GetType(),
		Duration:    ex.clock.Now().Sub(start),
	})
	return ResultCreated, nil
}
