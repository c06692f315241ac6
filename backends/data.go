package backends

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/tensorio/tensorio/types/layouts"
)

// Buffer represents a block of memory held by a backend. It is opaque from the
// caller's perspective; only the backend that allocated it can interpret it.
type Buffer any

// Allocator is the Backend sub-interface that manages buffer memory.
//
// Buffers carry no reference counting: the caller decides who owns a buffer
// and only the owner may Release it.
type Allocator interface {
	// Allocate returns a new zero-initialized buffer of the given capacity in
	// bytes.
	Allocate(sizeBytes int) (Buffer, error)

	// Release frees the buffer immediately. A released buffer must never be
	// used again.
	Release(buffer Buffer) error

	// Capacity returns the buffer's capacity in bytes.
	Capacity(buffer Buffer) (int, error)
}

// DataInterface is the Backend sub-interface for raw data movement between
// host memory and the backend's buffers.
type DataInterface interface {
	// Addressable reports whether buffer contents can be accessed from Go
	// byte-by-byte through BufferBytes.
	Addressable() bool

	// BufferBytes returns a byte slice aliasing the buffer's storage.
	//
	// Device backends fail with ErrUnsupportedOperation: their memory cannot
	// be mutated element-by-element and data must go through the bulk
	// transfer path instead.
	BufferBytes(buffer Buffer) ([]byte, error)

	// Upload copies len(data) bytes from host memory into the buffer at the
	// given byte offset.
	Upload(buffer Buffer, offset int, data []byte) error

	// Download copies sizeBytes bytes from the buffer at the given byte
	// offset into freshly allocated host memory.
	Download(buffer Buffer, offset int, sizeBytes int) ([]byte, error)
}

// Converter is the Backend sub-interface exposing the layout-conversion
// primitive: dst = alpha*reformat(src) + beta*dst.
//
// Source and destination descriptors must have equal dimensions (after trimming
// rank padding); dtypes and strides may differ. Offsets are in bytes. Both
// buffers must belong to the backend the primitive is called on.
type Converter interface {
	Convert(handle Handle,
		alpha float64, srcDesc layouts.Descriptor, src Buffer, srcOffset int,
		beta float64, dstDesc layouts.Descriptor, dst Buffer, dstOffset int) error
}

// Vector is a flat 1-D view of a buffer: offset (bytes), element count and a
// unit element stride. It is how a dense tensor is handed to an arithmetic
// engine.
type Vector struct {
	Buffer Buffer

	// Offset in bytes from the start of the buffer.
	Offset int

	// Count of elements.
	Count int

	// Stride between consecutive elements, in elements. Always 1 for the
	// views produced by dense tensors.
	Stride int
}

// Engine is the arithmetic engine interface for one (backend, dtype) pair.
// This package only requires the memory-movement subset; elementwise math and
// reductions live with the engines' consumers.
type Engine interface {
	// DType this engine operates on.
	DType() dtypes.DType

	// Copy performs a bulk elementwise copy from src to dst. Counts must
	// match.
	Copy(handle Handle, src, dst Vector) error

	// Fill sets every element of dst to the given scalar value.
	Fill(handle Handle, value float64, dst Vector) error

	// Equal reports whether the two vectors hold structurally equal contents.
	Equal(a, b Vector) (bool, error)

	// Export materializes the vector into host memory as a flat Go slice of
	// the engine's dtype.
	Export(src Vector) (any, error)
}
