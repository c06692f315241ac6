// Package tensors implements the dense tensor entity and the machinery to
// view, reformat, batch and exchange tensor data across execution backends.
//
// A Dense binds a layouts.Descriptor to a backend buffer. It either owns the
// buffer exclusively (a "master" tensor, whose Release frees the memory) or
// borrows it from another tensor (a "view", whose Release never frees memory
// and whose lifetime must not exceed its source's).
//
// Tensors with different descriptors interoperate through three mechanisms,
// from cheapest to most expensive:
//
//   - zero-copy views (Dense.View, Dense.ViewAs, Dense.OffsetView);
//   - in-place layout conversion on one backend (Transformer, Batcher,
//     Shuffler), built on the backend's conversion primitive;
//   - cross-backend copies through Transfer, which picks the cheapest valid
//     path per (source kind, destination kind) pair and falls back to a
//     host-resident intermediate when the layouts cannot be copied raw.
//
// The package never spawns goroutines and never blocks waiting for device
// completion: asynchrony exists only to the extent the backend's execution
// handles are asynchronous.
package tensors

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/tensorio/tensorio/backends"
	"github.com/tensorio/tensorio/internal/strided"
	"github.com/tensorio/tensorio/types/layouts"
)

// Dense is a handle binding a descriptor to a backend buffer, plus the flat
// 1-D vector view handed to arithmetic engines.
type Dense struct {
	backend backends.Backend
	desc    layouts.Descriptor
	buffer  backends.Buffer

	// master tensors exclusively own their buffer; views borrow it.
	master bool

	// offset in bytes into the buffer.
	offset int

	engine backends.Engine
	vector backends.Vector
}

// NewDense binds a descriptor to an existing buffer of the given backend.
//
// If master is true the tensor takes exclusive ownership of the buffer and
// Release will free it; otherwise the tensor is a non-owning view.
//
// It fails with ErrBufferTooSmall if the descriptor's byte size exceeds the
// buffer's capacity.
func NewDense(backend backends.Backend, master bool, buffer backends.Buffer, desc layouts.Descriptor) (*Dense, error) {
	if backend == nil {
		panic(errors.New("tensors.NewDense: backend is nil"))
	}
	if !desc.Ok() {
		exceptions.Panicf("tensors.NewDense: invalid descriptor")
	}
	capacity, err := backend.Capacity(buffer)
	if err != nil {
		return nil, err
	}
	if desc.SizeBytes() > capacity {
		return nil, errors.Wrapf(backends.ErrBufferTooSmall,
			"descriptor %s needs %d bytes, buffer has %d", desc, desc.SizeBytes(), capacity)
	}
	engine, err := backend.Engine(desc.DType())
	if err != nil {
		return nil, err
	}
	t := &Dense{
		backend: backend,
		desc:    desc,
		buffer:  buffer,
		master:  master,
		engine:  engine,
	}
	t.refreshVector()
	return t, nil
}

// Raw allocates a new master tensor for the descriptor on the given backend,
// with uninitialized contents. The descriptor is re-padded to the backend's
// minimum rank if needed.
func Raw(backend backends.Backend, desc layouts.Descriptor) (*Dense, error) {
	desc = layouts.PadToRank(desc.TrimPadding(), backend.MinRank())
	buffer, err := backend.Allocate(desc.SizeBytes())
	if err != nil {
		return nil, err
	}
	t, err := NewDense(backend, true, buffer, desc)
	if err != nil {
		releaseQuietly(backend, buffer)
		return nil, err
	}
	return t, nil
}

// Zeros allocates a new zero-filled master tensor for the descriptor on the
// given backend.
func Zeros(backend backends.Backend, desc layouts.Descriptor) (*Dense, error) {
	t, err := Raw(backend, desc)
	if err != nil {
		return nil, err
	}
	if err := t.engine.Fill(nil, 0, t.vector); err != nil {
		_ = t.Release()
		return nil, err
	}
	return t, nil
}

// FromFlatData creates a tensor on the given backend with the dimensions given
// and the flattened (row-major) values in data. On a non-addressable backend
// the data is staged through its host-equivalent backend and transferred.
func FromFlatData[T dtypes.Supported](backend backends.Backend, data []T, dims ...int) (*Dense, error) {
	dtype := dtypes.FromGenericsType[T]()
	desc := backends.Describe(backend, dtype, dims, layouts.FormatStrided)
	if desc.Size() != len(data) {
		return nil, errors.Wrapf(backends.ErrShapeMismatch,
			"%d values given for descriptor %s of %d elements", len(data), desc, desc.Size())
	}
	native := backend.Native()
	staged, err := Raw(native, desc)
	if err != nil {
		return nil, err
	}
	raw, err := native.BufferBytes(staged.buffer)
	if err != nil {
		_ = staged.Release()
		return nil, err
	}
	copyFlatToBytes(raw, data)
	if native == backend {
		return staged, nil
	}
	defer staged.release()
	target, err := Raw(backend, desc)
	if err != nil {
		return nil, err
	}
	if _, err := Transfer(staged, target); err != nil {
		_ = target.Release()
		return nil, err
	}
	return target, nil
}

func copyFlatToBytes[T dtypes.Supported](dst []byte, data []T) {
	if len(data) == 0 {
		return
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), uintptr(len(data))*unsafe.Sizeof(data[0]))
	copy(dst, src)
}

// refreshVector recomputes the flat 1-D view after offset or descriptor
// changes.
func (t *Dense) refreshVector() {
	width := int(t.desc.DType().Memory())
	count := 0
	if width > 0 {
		count = t.desc.SizeBytes() / width
	}
	t.vector = backends.Vector{
		Buffer: t.buffer,
		Offset: t.offset,
		Count:  count,
		Stride: 1,
	}
}

// AssertValid panics if the tensor is nil or was released.
func (t *Dense) AssertValid() {
	if t == nil {
		panic(errors.New("Dense tensor is nil"))
	}
	if t.buffer == nil {
		panic(errors.New("Dense tensor was released"))
	}
}

// Backend the tensor lives on.
func (t *Dense) Backend() backends.Backend { return t.backend }

// Descriptor of the tensor.
func (t *Dense) Descriptor() layouts.Descriptor { return t.desc }

// Buffer backing the tensor. Shared with any views of this tensor.
func (t *Dense) Buffer() backends.Buffer { return t.buffer }

// IsMaster reports whether the tensor exclusively owns its buffer.
func (t *Dense) IsMaster() bool { return t.master }

// OffsetBytes is the tensor's byte offset into its buffer.
func (t *Dense) OffsetBytes() int { return t.offset }

// Vector returns the flat 1-D view of the tensor (offset, element count, unit
// stride) used to hand it to an arithmetic engine.
func (t *Dense) Vector() backends.Vector { return t.vector }

// DType is a shortcut for Descriptor().DType().
func (t *Dense) DType() dtypes.DType { return t.desc.DType() }

// Rank is a shortcut for Descriptor().Rank().
func (t *Dense) Rank() int { return t.desc.Rank() }

// Dims is a shortcut for Descriptor().Dims().
func (t *Dense) Dims() []int { return t.desc.Dims() }

// Size is the number of elements, a shortcut for Descriptor().Size().
func (t *Dense) Size() int { return t.desc.Size() }

// String pretty-prints the tensor handle.
func (t *Dense) String() string {
	if t == nil {
		return "Dense(nil)"
	}
	role := "view"
	if t.master {
		role = "master"
	}
	return fmt.Sprintf("Dense[%s, %s, %s, offset=%d]", t.backend.Name(), t.desc, role, t.offset)
}

// Release frees the underlying buffer if this tensor is its master; for views
// it only drops the reference. Calling it twice is a no-op.
func (t *Dense) Release() error {
	if t == nil || t.buffer == nil {
		return nil
	}
	var err error
	if t.master {
		err = t.backend.Release(t.buffer)
	}
	t.buffer = nil
	t.vector = backends.Vector{}
	return err
}

// release is Release for defer sites that cannot propagate the error.
func (t *Dense) release() { _ = t.Release() }

func releaseQuietly(backend backends.Backend, buffer backends.Buffer) {
	_ = backend.Release(buffer)
}

// asView returns a shallow non-owning copy of the tensor.
func (t *Dense) asView() *Dense {
	view := *t
	view.master = false
	return &view
}

// View returns a zero-copy, non-owning view of the first n entries along
// axis 0, sharing the buffer and strides. It fails with ErrIndexOutOfRange if
// n is outside [1, Dim(0)].
func (t *Dense) View(n int) (*Dense, error) {
	t.AssertValid()
	if t.desc.Rank() == 0 {
		return nil, errors.Wrapf(backends.ErrUnsupportedOperation, "cannot take an axis-0 view of scalar %s", t.desc)
	}
	if n < 1 || n > t.desc.Dim(0) {
		return nil, errors.Wrapf(backends.ErrIndexOutOfRange,
			"view of %d entries, valid range is [1, %d] (%s)", n, t.desc.Dim(0), t.desc)
	}
	view := t.asView()
	view.desc = t.desc.LeadingWindow(n)
	view.refreshVector()
	return view, nil
}

// RowView returns a zero-copy, non-owning view of entry k of axis 0: the
// resulting tensor has the remaining dimensions, shares the strides and the
// buffer, and its offset is advanced to the entry. It fails with
// ErrIndexOutOfRange if k is outside [0, Dim(0)).
func (t *Dense) RowView(k int) (*Dense, error) {
	t.AssertValid()
	if t.desc.Rank() == 0 {
		return nil, errors.Wrapf(backends.ErrUnsupportedOperation, "cannot take a row view of scalar %s", t.desc)
	}
	if k < 0 || k >= t.desc.Dim(0) {
		return nil, errors.Wrapf(backends.ErrIndexOutOfRange,
			"row %d, valid range is [0, %d) (%s)", k, t.desc.Dim(0), t.desc)
	}
	view := t.asView()
	view.desc = t.desc.DropLeading()
	view.offset = t.offset + k*t.desc.Stride(0)*int(t.desc.DType().Memory())
	view.refreshVector()
	return view, nil
}

// ViewAs returns a non-owning view over the same buffer reinterpreted with a
// different descriptor. It fails with ErrBufferTooSmall if the descriptor does
// not fit the buffer at the tensor's offset.
func (t *Dense) ViewAs(desc layouts.Descriptor) (*Dense, error) {
	t.AssertValid()
	capacity, err := t.backend.Capacity(t.buffer)
	if err != nil {
		return nil, err
	}
	if t.offset+desc.SizeBytes() > capacity {
		return nil, errors.Wrapf(backends.ErrBufferTooSmall,
			"descriptor %s at offset %d needs %d bytes, buffer has %d", desc, t.offset, desc.SizeBytes(), capacity)
	}
	view := t.asView()
	view.desc = desc
	engine, err := t.backend.Engine(desc.DType())
	if err != nil {
		return nil, err
	}
	view.engine = engine
	view.refreshVector()
	return view, nil
}

// OffsetView returns a non-owning view whose buffer offset is advanced by
// n entries along axis 0. The tensor must be contiguous, else it fails with
// ErrNotContiguous; the advanced window must still fit the buffer.
func (t *Dense) OffsetView(n int) (*Dense, error) {
	t.AssertValid()
	if !t.desc.IsContiguous() {
		return nil, errors.Wrapf(backends.ErrNotContiguous,
			"offset views require contiguous layouts, got %s", t.desc)
	}
	if t.desc.Rank() == 0 {
		return nil, errors.Wrapf(backends.ErrUnsupportedOperation, "cannot offset scalar %s", t.desc)
	}
	width := int(t.desc.DType().Memory())
	newOffset := t.offset + n*t.desc.Stride(0)*width
	capacity, err := t.backend.Capacity(t.buffer)
	if err != nil {
		return nil, err
	}
	if newOffset < 0 || newOffset+t.desc.SizeBytes() > capacity {
		return nil, errors.Wrapf(backends.ErrBufferTooSmall,
			"offset view by %d entries puts %s at byte %d, buffer has %d bytes", n, t.desc, newOffset, capacity)
	}
	view := t.asView()
	view.offset = newOffset
	view.refreshVector()
	return view, nil
}

// At reads the element at the given multi-dimensional indices as a float64.
//
// On device-resident tensors it fails with ErrUnsupportedOperation: device
// memory has no element-level host access, use Transfer to a host tensor.
func (t *Dense) At(indices ...int) (float64, error) {
	t.AssertValid()
	raw, err := t.backend.BufferBytes(t.buffer)
	if err != nil {
		return 0, err
	}
	at, err := t.elementOffset(indices)
	if err != nil {
		return 0, err
	}
	return strided.ReadValue(t.desc.DType(), raw, at)
}

// Set writes the element at the given multi-dimensional indices.
//
// On device-resident tensors it fails with ErrUnsupportedOperation: device
// memory has no element-level host access, use Transfer from a host tensor.
func (t *Dense) Set(value float64, indices ...int) error {
	t.AssertValid()
	raw, err := t.backend.BufferBytes(t.buffer)
	if err != nil {
		return err
	}
	at, err := t.elementOffset(indices)
	if err != nil {
		return err
	}
	return strided.WriteValue(t.desc.DType(), raw, at, value)
}

// elementOffset resolves multi-dimensional indices to a byte offset. Missing
// trailing indices (e.g. for padded ranks) default to 0.
func (t *Dense) elementOffset(indices []int) (int, error) {
	if len(indices) > t.desc.Rank() {
		return 0, errors.Wrapf(backends.ErrIndexOutOfRange,
			"%d indices for rank-%d descriptor %s", len(indices), t.desc.Rank(), t.desc)
	}
	elem := 0
	for axis, idx := range indices {
		if idx < 0 || idx >= t.desc.Dim(axis) {
			return 0, errors.Wrapf(backends.ErrIndexOutOfRange,
				"index %d out of [0, %d) on axis %d of %s", idx, t.desc.Dim(axis), axis, t.desc)
		}
		elem += idx * t.desc.Stride(axis)
	}
	return t.offset + elem*int(t.desc.DType().Memory()), nil
}

// Host materializes an equivalent tensor on the host backend, with a canonical
// contiguous layout, copying the data. Device-resident tensors always copy
// through this path since they cannot be read element-by-element.
func (t *Dense) Host() (*Dense, error) {
	t.AssertValid()
	native := t.backend.Native()
	desc := layouts.Make(t.desc.DType(), t.desc.TrimPadding().Dims()...)
	dst, err := Raw(native, desc)
	if err != nil {
		return nil, err
	}
	if _, err := Transfer(t, dst); err != nil {
		_ = dst.Release()
		return nil, err
	}
	return dst, nil
}

// Key identifies a tensor structurally by backend tag and descriptor, ignoring
// buffer identity. It is comparable and usable as a map key.
type Key struct {
	Backend    string
	Descriptor string
}

// Key returns the tensor's structural key.
func (t *Dense) Key() Key {
	return Key{Backend: t.backend.Name(), Descriptor: t.desc.String()}
}

// Equal reports structural equality: same backend tag and equivalent
// descriptor. Buffer identity and contents are not compared; see EqualData.
func (t *Dense) Equal(other *Dense) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.backend.Name() == other.backend.Name() && t.desc.Equivalent(other.desc)
}

// EqualData reports whether both tensors hold element-wise equal data. Both
// sides are materialized on their host backends in canonical layout first, so
// it works across backends and layouts. Expensive; meant for tests and small
// tensors.
func (t *Dense) EqualData(other *Dense) (bool, error) {
	t.AssertValid()
	other.AssertValid()
	if t.desc.DType() != other.desc.DType() || !t.desc.EqualDims(other.desc) {
		return false, nil
	}
	tHost, err := t.Host()
	if err != nil {
		return false, err
	}
	defer tHost.release()
	otherHost, err := other.Host()
	if err != nil {
		return false, err
	}
	defer otherHost.release()
	return tHost.engine.Equal(tHost.vector, otherHost.vector)
}

// Export materializes the tensor's flat contents to host memory as a flat Go
// slice of its dtype, in the tensor's physical layout order.
func (t *Dense) Export() (any, error) {
	t.AssertValid()
	return t.engine.Export(t.vector)
}

// Connector reconciles this tensor with a descriptor: if the descriptors are
// equivalent it returns an identity connection over a view of the tensor
// (zero-copy); otherwise it returns a Transformer from this tensor into a
// newly allocated tensor of the given descriptor on the same backend.
//
// The caller owns the returned connection and should Release it; releasing an
// identity connection never frees memory.
func (t *Dense) Connector(desc layouts.Descriptor) (Connection, error) {
	t.AssertValid()
	if t.desc.Equivalent(desc) {
		return identity{t: t.asView()}, nil
	}
	out, err := Raw(t.backend, desc)
	if err != nil {
		return nil, err
	}
	m, err := NewTransformer(t, out)
	if err != nil {
		_ = out.Release()
		return nil, err
	}
	m.ownsOutput = true
	return m, nil
}
