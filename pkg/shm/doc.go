// Package shm provides the shared-memory segments used to hand snapshot
// payloads to extension processes.
//
// A segment is one file in a tmpfs directory (/dev/shm on Linux) mapped by
// both sides. It starts with a fixed header followed by the payload:
//
//	offset  size  field
//	0       4     magic "XHSS"
//	4       4     layout version
//	8       8     payload size
//	16      4     CRC32 (IEEE) of the payload
//	20      4     ready flag, stored last and atomically
//	24      8     sequence number
//	32      n     payload
//
// Readers must observe ready == 1 before trusting the other fields.
//
// Example usage:
//
//	buf, err := shm.Create(ctx, shm.OpenOptions{Name: "pdf-1.shm", Size: len(payload)})
//	// ...
//	err = buf.Write(ctx, 1, payload)
//	// the extension maps buf.Path() with shm.Open and calls Read
package shm
