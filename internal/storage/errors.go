package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrEmpty is returned by Status when no pair exchange has been ingested yet.
	ErrEmpty = errors.New("storage: pairExchanges is empty")
	// ErrUnknownField rejects patch entries outside the pairExchanges column set.
	ErrUnknownField = errors.New("storage: unknown field")
	// ErrImmutableField rejects patch entries targeting the primary key.
	ErrImmutableField = errors.New("storage: field is immutable")
	// ErrFieldType rejects patch values whose type does not match the column.
	ErrFieldType = errors.New("storage: invalid value type for field")
	// ErrUnknownGranularity rejects history granularities other than daily and hourly.
	ErrUnknownGranularity = errors.New("storage: unknown granularity")
)

// QueryError reports a statement that reached the server and failed.
type QueryError struct {
	Op  string
	Key string
	Err error
}

func (e *QueryError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Key, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// ConnectionError reports a failure to establish a connection to the database.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CheckpointError is returned when a data statement succeeded but the meta
// checkpoint that follows it failed. The data is correct, the checkpoint is stale.
type CheckpointError struct {
	Op  string
	Err error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("%s: data applied, checkpoint not recorded: %v", e.Op, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

func wrapError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return &ConnectionError{Op: op, Err: err}
	}
	return &QueryError{Op: op, Key: key, Err: err}
}
