// Package alloc binds every dynamic memory request of the stack to a single
// allocator: the object pools, segment payloads and reassembly buffers all
// obtain and release memory through the same Allocator instance.
package alloc

// Allocator hands out and takes back byte blocks.
//
// A nil return means the request could not be satisfied right now. Callers
// treat it as transient resource exhaustion, never as a fatal error.
// Requests for zero or negative sizes always fail. Free accepts only blocks
// returned by the same Allocator, exactly once; Free(nil) is a no-op.
type Allocator interface {
	Alloc(size int) []byte
	Calloc(n, size int) []byte
	Free(buf []byte)
}

// identity returns the key used to recognise a block across Alloc/Free.
func identity(buf []byte) *byte {
	if cap(buf) == 0 {
		return nil
	}
	return &buf[:1][0]
}
