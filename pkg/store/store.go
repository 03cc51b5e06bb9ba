// Package store persists users so that a restart can show the last known
// list before the first page arrives.
package store

import (
	"context"
	"fmt"

	"github.com/astromechza/usersync/pkg/users"
)

// Store is durable keyed storage of users. QueryAll returns users in the
// order they were first inserted.
type Store interface {
	Upsert(ctx context.Context, us []users.User) error
	QueryAll(ctx context.Context) ([]users.User, error)
	UpsertImage(ctx context.Context, id int64, image []byte) error
	Close() error
}

// Error wraps every failure returned by a Store. Callers treat it as
// degraded durability, not as a failure of the current session.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

const (
	DriverSQLite    = "sqlite"
	DriverAutomerge = "automerge"
)

// Open opens the store for the named driver at path.
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(path)
	case DriverAutomerge:
		return OpenDocument(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
