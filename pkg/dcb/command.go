package dcb

import "context"

// Command triggers event generation. Data is the serialized command payload;
// Metadata travels to the command audit log only.
type Command interface {
	GetType() string
	GetData() []byte
	GetMetadata() map[string]any
}

type command struct {
	commandType string
	data        []byte
	metadata    map[string]any
}

func (c *command) GetType() string             { return c.commandType }
func (c *command) GetData() []byte             { return c.data }
func (c *command) GetMetadata() map[string]any { return c.metadata }

// NewCommand creates a command with the given type, payload and metadata.
func NewCommand(commandType string, data []byte, metadata map[string]any) Command {
	return &command{commandType: commandType, data: data, metadata: metadata}
}

// CommandHandler projects the decision state, decides, and returns the events
// to append together with the condition guarding them. Returning an empty
// Events slice means the operation is a no-op (already performed); the
// executor reports it as idempotent.
type CommandHandler interface {
	Handle(ctx context.Context, store TxEventStore, command Command) (CommandResult, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, store TxEventStore, command Command) (CommandResult, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, store TxEventStore, command Command) (CommandResult, error) {
	return f(ctx, store, command)
}
