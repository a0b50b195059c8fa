// Package api defines the contracts between the shared memory core and the
// protocol connection to the display server.
package api

import (
	"context"
	"errors"
)

var (
	// ErrConnectionLost is returned by a Connection once the link to the
	// server is gone. The core tears every segment down when it sees it.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNoEvent is returned by NextEvent on a non-blocking connection that
	// has nothing queued.
	ErrNoEvent = errors.New("no event pending")
)

// Sequence is the number the connection assigned to a request. Replies,
// errors and completion events carry the sequence of the request they
// belong to.
type Sequence uint64

// SegID is the server-side identifier of an attached segment (an XID).
type SegID uint32

// Connection is the ordered request/event channel to the display server.
//
// Send hands a request to the connection and returns its sequence without
// waiting for the server. NextEvent blocks (or returns ErrNoEvent when the
// connection is non-blocking) until the next event is available. Events for
// requests on one segment must arrive in submission order. Both return an
// error wrapping ErrConnectionLost after the link went down, and Done is
// closed at that point. Send must be safe for concurrent use.
type Connection interface {
	GenerateID() (SegID, error)
	Send(ctx context.Context, req Request) (Sequence, error)
	NextEvent(ctx context.Context) (Event, error)
	Done() <-chan struct{}
}

// Capabilities is the result of the one-time extension query.
type Capabilities struct {
	Major, Minor uint16
	// MaxSegmentSize bounds the size of every segment created on the connection.
	MaxSegmentSize uint64
	// WritableAttach reports whether the server accepts segments it may write to.
	WritableAttach bool
	// SharedPixmaps reports whether the server can back pixmaps with a segment.
	SharedPixmaps bool
}

// Negotiator performs the capability query.
type Negotiator interface {
	QueryCapabilities(ctx context.Context) (Capabilities, error)
}
