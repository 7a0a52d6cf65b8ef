// Package directory implements the device directory: a CRUD contract over
// device_id:<ID> keys with 90-day TTL and NX (create-only) / XX
// (update-only) write semantics, backed by an external key-value store.
package directory

import (
	"context"
	"fmt"
	"time"
)

// TTL is the fixed lifetime of a directory entry, 90 days.
const TTL = 90 * 24 * time.Hour

// Deadline is the per-call deadline enforced on every store operation.
const Deadline = time.Second

// Key formats id as the store key for the directory entry.
func Key(id string) string {
	return "device_id:" + id
}

// Store is the directory's external key-value store contract. Every
// implementation must enforce [Deadline] internally or via the context
// passed by callers, and must surface transport errors without mutating
// state.
type Store interface {
	// Allocate performs an NX-set with a 90-day TTL. It returns the new
	// expiry and true if id was not already present (the write succeeded),
	// or a zero time and false if id was already taken. A non-nil error
	// indicates a store-transport failure, distinct from "already taken".
	Allocate(ctx context.Context, id string) (expiresAt time.Time, allocated bool, err error)

	// Renew performs an XX-set with a refreshed 90-day TTL. It returns the
	// new expiry and true if id existed (the renewal succeeded), or a zero
	// time and false if it did not exist. A non-nil error indicates a
	// store-transport failure, distinct from "not found".
	Renew(ctx context.Context, id string) (expiresAt time.Time, renewed bool, err error)
}

// WithDeadline derives a context bounded by [Deadline] from ctx, for use by
// Store implementations that don't already enforce one internally.
func WithDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, Deadline)
}

// ErrUnavailable wraps a transport-level failure from a Store
// implementation so callers can distinguish it from ordinary "not found" /
// "already taken" results without inspecting error strings.
type ErrUnavailable struct {
	Op  string
	Err error
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("directory: %s: %v", e.Op, e.Err)
}

func (e *ErrUnavailable) Unwrap() error { return e.Err }
