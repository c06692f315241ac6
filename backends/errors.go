package backends

import "github.com/pkg/errors"

// Error kinds shared by backends and the tensors package. All are synchronous,
// non-retryable precondition failures; they are always returned wrapped with
// the offending descriptors or indices, so match them with errors.Is.
var (
	// ErrBufferTooSmall indicates a descriptor's byte size exceeds the
	// capacity of the buffer it is being bound to.
	ErrBufferTooSmall = errors.New("buffer too small for descriptor")

	// ErrShapeMismatch indicates two descriptors involved in a connect or
	// transfer are not reconcilable by shape.
	ErrShapeMismatch = errors.New("tensor shapes do not match")

	// ErrIndexOutOfRange indicates a batch or shuffle index falls outside the
	// valid window for the fixed minibatch size.
	ErrIndexOutOfRange = errors.New("minibatch index out of range")

	// ErrNotContiguous indicates an operation that requires a contiguous
	// layout was attempted on a strided descriptor.
	ErrNotContiguous = errors.New("descriptor is not contiguous")

	// ErrUnsupportedOperation indicates an operation requiring element-level
	// host access was attempted on a device-resident buffer.
	ErrUnsupportedOperation = errors.New("operation not supported by backend")
)
