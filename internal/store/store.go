// Package store holds the shared playback record of every room and the change
// feed that fans committed updates out to subscribed sessions.
package store

import (
	"context"
	"errors"
	"fmt"

	"watchparty/internal/playback"
)

// ErrNotFound is returned by Get when the room has no record yet.
var ErrNotFound = playback.ErrNotFound

// Store is the shared state store. Upsert creates the record on first write
// and the last committed write wins.
type Store interface {
	Upsert(ctx context.Context, roomID string, p playback.Patch) (playback.State, error)
	Get(ctx context.Context, roomID string) (playback.State, error)
}

// Notifier is the change feed. Delivery is at least once and ordered per room.
type Notifier interface {
	Subscribe(ctx context.Context, roomID string, onChange func(playback.State)) (playback.Subscription, error)
}

// Backend is a store that also publishes its own changes.
type Backend interface {
	Store
	Notifier
	Close() error
}

// Kind classifies a store failure.
type Kind string

const (
	KindConstraint  Kind = "constraint"
	KindUnavailable Kind = "unavailable"
)

// Error is a failed store operation.
type Error struct {
	Op     string
	RoomID string
	Kind   Kind
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s room %q: %s: %v", e.Op, e.RoomID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsConstraint reports whether err is a store constraint violation.
func IsConstraint(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindConstraint
}

func checkWrite(roomID string, p playback.Patch) error {
	if roomID == "" {
		return &Error{Op: "upsert", Kind: KindConstraint, Err: errors.New("room id is empty")}
	}
	if err := p.Validate(); err != nil {
		return &Error{Op: "upsert", RoomID: roomID, Kind: KindConstraint, Err: err}
	}
	return nil
}

func unavailable(op, roomID string, err error) error {
	return &Error{Op: op, RoomID: roomID, Kind: KindUnavailable, Err: err}
}
