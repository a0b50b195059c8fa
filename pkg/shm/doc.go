// Package shm provides the bounds-checked view over a shared memory segment
// exchanged with a display server.
//
// A Buffer owns exactly one OS region. All reads and writes go through
// methods that check offset+length against the segment size, and Close
// revokes access before the region is released, so callers never hold a raw
// pointer into memory that may be gone.
//
// Example usage:
//
//	buf, err := shm.Open(ctx, shm.OpenOptions{Size: 4096})
//	if err != nil {
//		return err
//	}
//	defer buf.Close()
//	_, err = buf.WriteAt(pixels, 0)
//
// Platform-specific helpers are in internal/shm.
package shm
