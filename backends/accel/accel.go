// Package accel implements the accelerator-device execution backend.
//
// Device buffers are opaque: they cannot be addressed element-by-element from
// Go, and attempts fail with backends.ErrUnsupportedOperation pointing at the
// bulk transfer path. Data moves in and out only through Upload and Download.
// Descriptors are padded to a minimum rank of 4, and the backend's native
// layout preference is channels-last (layouts.FormatNHWC).
//
// Work is issued against execution streams: operations on the same stream
// observe issuing order; independent streams give no ordering guarantee.
//
// Importing this package registers the backend under the name "accel".
package accel

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tensorio/tensorio/backends"
	"github.com/tensorio/tensorio/backends/host"
	"github.com/tensorio/tensorio/internal/strided"
	"github.com/tensorio/tensorio/types/layouts"
)

// BackendName under which this backend registers itself.
const BackendName = "accel"

// minRank is the minimum descriptor rank the device kernels accept; lower
// ranks are right-padded with trailing unit axes.
const minRank = 4

// NativeFormat is the device's preferred physical layout for rank-4 data.
const NativeFormat = layouts.FormatNHWC

func init() {
	backends.Register(BackendName, New)
}

// Backend is the accelerator-device implementation of backends.Backend.
type Backend struct {
	native        backends.Backend
	defaultStream *Stream
}

var _ backends.Backend = (*Backend)(nil)

// New returns an accelerator backend. The config string is ignored.
func New(config string) backends.Backend {
	_ = config
	b := &Backend{native: host.New("")}
	b.defaultStream = b.NewStream()
	return b
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return "accelerator-device engine (opaque buffers, bulk transfer only)"
}

// Kind implements backends.Backend.
func (b *Backend) Kind() backends.Kind { return backends.KindDevice }

// MinRank implements backends.Backend.
func (b *Backend) MinRank() int { return minRank }

// Native implements backends.Backend, returning the host-equivalent factory
// used to materialize device data in addressable memory.
func (b *Backend) Native() backends.Backend { return b.native }

// Stream implements backends.Backend, returning the default execution stream.
func (b *Backend) Stream() backends.Handle { return b.defaultStream }

// Finalize implements backends.Backend.
func (b *Backend) Finalize() {}

// Stream is a device execution queue. Operations issued against the same
// Stream observe issuing order.
type Stream struct {
	id  string
	seq atomic.Uint64
}

// NewStream creates an independent execution stream. The caller is responsible
// for any synchronization between streams.
func (b *Backend) NewStream() *Stream {
	return &Stream{id: BackendName + "-" + uuid.NewString()}
}

// ID implements backends.Handle.
func (s *Stream) ID() string { return s.id }

// next enqueues one operation, returning its position in the stream's issue
// order.
func (s *Stream) next() uint64 { return s.seq.Add(1) }

func (b *Backend) stream(handle backends.Handle) (*Stream, error) {
	if handle == nil {
		return b.defaultStream, nil
	}
	s, ok := handle.(*Stream)
	if !ok {
		return nil, errors.Errorf("handle %q is not a %q backend stream", handle.ID(), BackendName)
	}
	return s, nil
}

// buffer is a device memory block. Its storage is reachable only through the
// backend's primitives, never directly by callers.
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
	klog.V(2).Infof("accel: allocating %s of device memory", humanize.Bytes(uint64(sizeBytes)))
	return &buffer{data: make([]byte, sizeBytes), valid: true}, nil
}

// Release implements backends.Allocator.
func (b *Backend) Release(backendBuffer backends.Buffer) error {
	buf, err := b.asBuffer(backendBuffer)
	if err != nil {
		return err
	}
	klog.V(2).Infof("accel: releasing %s of device memory", humanize.Bytes(uint64(len(buf.data))))
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

// Addressable implements backends.DataInterface: device memory never is.
func (b *Backend) Addressable() bool { return false }

// BufferBytes implements backends.DataInterface. Device buffers cannot be
// accessed element-by-element; it always fails with ErrUnsupportedOperation.
func (b *Backend) BufferBytes(backendBuffer backends.Buffer) ([]byte, error) {
	if _, err := b.asBuffer(backendBuffer); err != nil {
		return nil, err
	}
	return nil, errors.Wrapf(backends.ErrUnsupportedOperation,
		"%q buffers are not addressable from the host; use tensors.Transfer to move the data to a host tensor first", BackendName)
}

// Upload implements backends.DataInterface: the raw host-to-device copy.
func (b *Backend) Upload(backendBuffer backends.Buffer, offset int, data []byte) error {
	buf, err := b.asBuffer(backendBuffer)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(data) > len(buf.data) {
		return errors.Wrapf(backends.ErrBufferTooSmall,
			"upload of %d bytes at offset %d into device buffer of %d bytes", len(data), offset, len(buf.data))
	}
	copy(buf.data[offset:], data)
	return nil
}

// Download implements backends.DataInterface: the raw device-to-host copy.
func (b *Backend) Download(backendBuffer backends.Buffer, offset int, sizeBytes int) ([]byte, error) {
	buf, err := b.asBuffer(backendBuffer)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset+sizeBytes > len(buf.data) {
		return nil, errors.Wrapf(backends.ErrBufferTooSmall,
			"download of %d bytes at offset %d from device buffer of %d bytes", sizeBytes, offset, len(buf.data))
	}
	out := make([]byte, sizeBytes)
	copy(out, buf.data[offset:])
	return out, nil
}

// Convert implements backends.Converter, the device's layout-conversion
// kernel: dst = alpha*reformat(src) + beta*dst. Both buffers must be device
// buffers; the operation is ordered on the given stream.
func (b *Backend) Convert(handle backends.Handle,
	alpha float64, srcDesc layouts.Descriptor, src backends.Buffer, srcOffset int,
	beta float64, dstDesc layouts.Descriptor, dst backends.Buffer, dstOffset int) error {
	s, err := b.stream(handle)
	if err != nil {
		return err
	}
	srcBuf, err := b.asBuffer(src)
	if err != nil {
		return err
	}
	dstBuf, err := b.asBuffer(dst)
	if err != nil {
		return err
	}
	klog.V(2).Infof("accel: convert %s -> %s on %s (op #%d)", srcDesc, dstDesc, s.ID(), s.next())
	return strided.Convert(alpha, srcDesc, srcBuf.data, srcOffset, beta, dstDesc, dstBuf.data, dstOffset)
}

// Engine implements backends.Backend.
func (b *Backend) Engine(dtype dtypes.DType) (backends.Engine, error) {
	if dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("no %q engine for invalid dtype", BackendName)
	}
	return &engine{backend: b, dtype: dtype}, nil
}

// String pretty-prints the backend.
func (b *Backend) String() string { return fmt.Sprintf("%s (%s)", b.Name(), b.Kind()) }
