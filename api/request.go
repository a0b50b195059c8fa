package api

import "fmt"

// Request is a protocol request understood by the shared memory extension.
type Request interface {
	Opcode() Opcode
}

// Opcode is the minor opcode of a request inside the extension.
type Opcode uint8

const (
	OpQueryVersion Opcode = 0
	OpAttach       Opcode = 1
	OpDetach       Opcode = 2
	OpPutImage     Opcode = 3
	OpGetImage     Opcode = 4
)

func (o Opcode) String() string {
	switch o {
	case OpQueryVersion:
		return "QueryVersion"
	case OpAttach:
		return "Attach"
	case OpDetach:
		return "Detach"
	case OpPutImage:
		return "PutImage"
	case OpGetImage:
		return "GetImage"
	}
	return fmt.Sprintf("Opcode(%d)", uint8(o))
}

// AttachRequest registers the OS region ShmID with the server under Seg.
type AttachRequest struct {
	Seg      SegID
	ShmID    uint32
	ReadOnly bool
}

// DetachRequest unregisters Seg.
type DetachRequest struct {
	Seg SegID
}

// PutImageRequest asks the server to read Length bytes at Offset of Seg and
// draw them. With SendEvent the server emits a completion event once it is
// done reading.
type PutImageRequest struct {
	Seg       SegID
	Offset    uint32
	Length    uint32
	Image     Image
	SendEvent bool
}

// GetImageRequest asks the server to write the contents of Image.Drawable
// into Length bytes at Offset of Seg.
type GetImageRequest struct {
	Seg    SegID
	Offset uint32
	Length uint32
	Image  Image
}

func (AttachRequest) Opcode() Opcode   { return OpAttach }
func (DetachRequest) Opcode() Opcode   { return OpDetach }
func (PutImageRequest) Opcode() Opcode { return OpPutImage }
func (GetImageRequest) Opcode() Opcode { return OpGetImage }
