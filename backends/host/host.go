// Package host implements the host-resident execution backend: buffers live in
// ordinary Go byte slices and are directly addressable, and every operation
// completes synchronously.
//
// Importing this package registers the backend under the name "host".
package host

import (
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tensorio/tensorio/backends"
	"github.com/tensorio/tensorio/internal/strided"
	"github.com/tensorio/tensorio/types/layouts"
)

// BackendName under which this backend registers itself.
const BackendName = "host"

func init() {
	backends.Register(BackendName, New)
}

// Backend is the host-resident implementation of backends.Backend.
type Backend struct {
	defaultStream *stream
}

// Compile-time check:
var _ backends.Backend = (*Backend)(nil)

// New returns a host backend. The config string is ignored.
func New(config string) backends.Backend {
	_ = config
	return &Backend{defaultStream: newStream()}
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string { return "host-resident engine (addressable Go memory)" }

// Kind implements backends.Backend.
func (b *Backend) Kind() backends.Kind { return backends.KindHost }

// MinRank implements backends.Backend: the host accepts any rank.
func (b *Backend) MinRank() int { return 0 }

// Native implements backends.Backend: the host backend is its own native side.
func (b *Backend) Native() backends.Backend { return b }

// Stream implements backends.Backend. Host execution is synchronous, so a
// single default stream is enough.
func (b *Backend) Stream() backends.Handle { return b.defaultStream }

// Finalize implements backends.Backend. Host buffers are garbage collected, so
// there is nothing to release eagerly.
func (b *Backend) Finalize() {}

// stream is the host execution handle. Operations complete before the call
// returns, so it only carries an identifier for logging.
type stream struct {
	id string
}

func newStream() *stream {
	return &stream{id: "host-" + uuid.NewString()}
}

// ID implements backends.Handle.
func (s *stream) ID() string { return s.id }

// buffer is a host memory block.
type buffer struct {
	data  []byte
	valid bool
}

func (b *Backend) asBuffer(backendBuffer backends.Buffer) (*buffer, error) {
	buf, ok := backendBuffer.(*buffer)
	if !ok || buf == nil {
		return nil, errors.Errorf("buffer is not a %q backend buffer", BackendName)
	}
	if !buf.valid {
		return nil, errors.Errorf("%q buffer was already released", BackendName)
	}
	return buf, nil
}

// Allocate implements backends.Allocator.
func (b *Backend) Allocate(sizeBytes int) (backends.Buffer, error) {
	if sizeBytes < 0 {
		return nil, errors.Errorf("cannot allocate %d bytes", sizeBytes)
	}
	klog.V(2).Infof("host: allocating %s", humanize.Bytes(uint64(sizeBytes)))
	return &buffer{data: make([]byte, sizeBytes), valid: true}, nil
}

// Release implements backends.Allocator.
func (b *Backend) Release(backendBuffer backends.Buffer) error {
	buf, err := b.asBuffer(backendBuffer)
	if err != nil {
		return err
	}
	klog.V(2).Infof("host: releasing %s", humanize.Bytes(uint64(len(buf.data))))
	buf.data = nil
	buf.valid = false
	return nil
}

// Capacity implements backends.Allocator.
func (b *Backend) Capacity(backendBuffer backends.Buffer) (int, error) {
	buf, err := b.asBuffer(backendBuffer)
	if err != nil {
		return 0, err
	}
	return len(buf.data), nil
}

// Addressable implements backends.DataInterface: host memory always is.
func (b *Backend) Addressable() bool { return true }

// BufferBytes implements backends.DataInterface, returning a slice aliasing
// the buffer storage.
func (b *Backend) BufferBytes(backendBuffer backends.Buffer) ([]byte, error) {
	buf, err := b.asBuffer(backendBuffer)
	if err != nil {
		return nil, err
	}
	return buf.data, nil
}

// Upload implements backends.DataInterface.
func (b *Backend) Upload(backendBuffer backends.Buffer, offset int, data []byte) error {
	buf, err := b.asBuffer(backendBuffer)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(data) > len(buf.data) {
		return errors.Wrapf(backends.ErrBufferTooSmall,
			"upload of %d bytes at offset %d into buffer of %d bytes", len(data), offset, len(buf.data))
	}
	copy(buf.data[offset:], data)
	return nil
}

// Download implements backends.DataInterface.
func (b *Backend) Download(backendBuffer backends.Buffer, offset int, sizeBytes int) ([]byte, error) {
	buf, err := b.asBuffer(backendBuffer)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset+sizeBytes > len(buf.data) {
		return nil, errors.Wrapf(backends.ErrBufferTooSmall,
			"download of %d bytes at offset %d from buffer of %d bytes", sizeBytes, offset, len(buf.data))
	}
	out := make([]byte, sizeBytes)
	copy(out, buf.data[offset:])
	return out, nil
}

// Convert implements backends.Converter: dst = alpha*reformat(src) + beta*dst.
// The host is synchronous; the handle only shows up in logs.
func (b *Backend) Convert(handle backends.Handle,
	alpha float64, srcDesc layouts.Descriptor, src backends.Buffer, srcOffset int,
	beta float64, dstDesc layouts.Descriptor, dst backends.Buffer, dstOffset int) error {
	srcBuf, err := b.asBuffer(src)
	if err != nil {
		return err
	}
	dstBuf, err := b.asBuffer(dst)
	if err != nil {
		return err
	}
	if handle == nil {
		handle = b.defaultStream
	}
	klog.V(2).Infof("host: convert %s -> %s on %s", srcDesc, dstDesc, handle.ID())
	return strided.Convert(alpha, srcDesc, srcBuf.data, srcOffset, beta, dstDesc, dstBuf.data, dstOffset)
}

// Engine implements backends.Backend, returning the arithmetic engine for the
// given dtype.
func (b *Backend) Engine(dtype dtypes.DType) (backends.Engine, error) {
	if dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("no %q engine for invalid dtype", BackendName)
	}
	return &engine{backend: b, dtype: dtype}, nil
}
