package dcb

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// IsolationLevel is a type-safe enum of the PostgreSQL transaction isolation
// levels the store supports.
type IsolationLevel int

const (
	IsolationLevelReadCommitted IsolationLevel = iota
	IsolationLevelRepeatableRead
	IsolationLevelSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationLevelReadCommitted:
		return "READ_COMMITTED"
	case IsolationLevelRepeatableRead:
		return "REPEATABLE_READ"
	case IsolationLevelSerializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

// ParseIsolationLevel parses the string form used in configuration.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch s {
	case "READ_COMMITTED":
		return IsolationLevelReadCommitted, nil
	case "REPEATABLE_READ":
		return IsolationLevelRepeatableRead, nil
	case "SERIALIZABLE":
		return IsolationLevelSerializable, nil
	default:
		return IsolationLevelReadCommitted, fmt.Errorf("invalid isolation level: %s", s)
	}
}

func toPgxIsoLevel(level IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case IsolationLevelRepeatableRead:
		return pgx.RepeatableRead
	case IsolationLevelSerializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}

// EventStoreConfig configures the EventStore.
type EventStoreConfig struct {
	// TargetEventsTable is the events table name; it also keys the advisory
	// lock that serializes conflicting appenders.
	TargetEventsTable string `json:"target_events_table"`

	// MaxBatchSize caps the number of events in a single append.
	MaxBatchSize int `json:"max_batch_size"`

	// QueryTimeout bounds read operations, in milliseconds.
	QueryTimeout int `json:"query_timeout"`

	// AppendTimeout bounds append transactions, in milliseconds, so a hung
	// database cannot hold the appender lock indefinitely.
	AppendTimeout int `json:"append_timeout"`

	// StreamBuffer is the channel buffer size for ReadChannel.
	StreamBuffer int `json:"stream_buffer"`

	// DefaultIsolation is the isolation level for append and command
	// transactions.
	DefaultIsolation IsolationLevel `json:"default_isolation"`

	// PersistCommands inserts a row into the commands table per successful
	// command execution.
	PersistCommands bool `json:"persist_commands"`
}

// DefaultConfig returns the configuration used by NewEventStore.
func DefaultConfig() EventStoreConfig {
	return EventStoreConfig{
		TargetEventsTable: "events",
		MaxBatchSize:      1000,
		QueryTimeout:      15000,
		AppendTimeout:     10000,
		StreamBuffer:      100,
		DefaultIsolation:  IsolationLevelReadCommitted,
		PersistCommands:   true,
	}
}
