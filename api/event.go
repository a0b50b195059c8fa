package api

import "fmt"

// Event is anything the connection delivers from the server.
type Event interface {
	Seq() Sequence
}

// AckEvent acknowledges a checked request (Attach, Detach). A nil Err means
// the server accepted it.
type AckEvent struct {
	Sequence Sequence
	Err      error
}

// CompletionEvent reports that the server finished reading from or writing
// into a segment for the request with the given sequence.
type CompletionEvent struct {
	Sequence Sequence
	Seg      SegID
	Drawable uint32
	Offset   uint32
	Err      error
}

// GenericEvent is any event unrelated to shared memory. The core hands these
// back to the application untouched.
type GenericEvent struct {
	Sequence Sequence
	Code     uint8
	Data     []byte
}

func (e AckEvent) Seq() Sequence        { return e.Sequence }
func (e CompletionEvent) Seq() Sequence { return e.Sequence }
func (e GenericEvent) Seq() Sequence    { return e.Sequence }

// ErrorCode is a core protocol error code, or the extension's BadShmSeg.
type ErrorCode uint8

const (
	BadValue    ErrorCode = 2
	BadMatch    ErrorCode = 8
	BadAccess   ErrorCode = 10
	BadAlloc    ErrorCode = 11
	BadIDChoice ErrorCode = 14
	BadShmSeg   ErrorCode = 128
)

func (c ErrorCode) String() string {
	switch c {
	case BadValue:
		return "BadValue"
	case BadMatch:
		return "BadMatch"
	case BadAccess:
		return "BadAccess"
	case BadAlloc:
		return "BadAlloc"
	case BadIDChoice:
		return "BadIDChoice"
	case BadShmSeg:
		return "BadShmSeg"
	}
	return fmt.Sprintf("ErrorCode(%d)", uint8(c))
}

// ProtocolError is an error reported by the server for one request.
type ProtocolError struct {
	Code     ErrorCode
	Sequence Sequence
	Opcode   Opcode
	BadValue uint32
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s on %s (sequence %d, value %#x)", e.Code, e.Opcode, e.Sequence, e.BadValue)
}
