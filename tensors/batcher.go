package tensors

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/tensorio/tensorio/backends"
)

// Batcher copies a fixed-size contiguous window of entries along axis 0 (a
// minibatch) from an input tensor into an output tensor, repositionable by
// index on both sides.
//
// It is constructed once per (input, output, size) triple: the axis-0
// sub-views and entry widths are precomputed at construction and reused by
// every invocation. Both tensors must live on the same backend.
type Batcher struct {
	in, out       *Dense
	inSub, outSub *Dense
	size          int

	srcCount, dstCount int

	// bytes between consecutive axis-0 entries on each side.
	srcEntry, dstEntry int

	handle backends.Handle
}

// NewBatcher builds a Batcher of the given minibatch size. The size is clamped
// to at least 1 and at most the smaller of the two axis-0 counts.
//
// It fails with ErrShapeMismatch if the non-leading dimensions differ, and
// with ErrUnsupportedOperation if the tensors are scalars or live on different
// backends.
func NewBatcher(in, out *Dense, size int) (*Batcher, error) {
	in.AssertValid()
	out.AssertValid()
	if in.backend != out.backend {
		return nil, errors.Wrapf(backends.ErrUnsupportedOperation,
			"batcher requires both tensors on one backend, got %q and %q; use tensors.Transfer for cross-backend movement",
			in.backend.Name(), out.backend.Name())
	}
	if in.desc.Rank() == 0 || out.desc.Rank() == 0 {
		return nil, errors.Wrapf(backends.ErrUnsupportedOperation,
			"batcher requires a minibatch axis, got %s and %s", in.desc, out.desc)
	}
	inDims, outDims := in.desc.TrimPadding().Dims(), out.desc.TrimPadding().Dims()
	if !slices.Equal(inDims[1:], outDims[1:]) {
		return nil, errors.Wrapf(backends.ErrShapeMismatch,
			"batcher entries must have equal shape past axis 0, got %s and %s", in.desc, out.desc)
	}

	srcCount, dstCount := inDims[0], outDims[0]
	size = max(1, min(size, srcCount, dstCount))
	inSub, err := in.View(size)
	if err != nil {
		return nil, err
	}
	outSub, err := out.View(size)
	if err != nil {
		return nil, err
	}
	width := int(in.desc.DType().Memory())
	outWidth := int(out.desc.DType().Memory())
	return &Batcher{
		in:       in,
		out:      out,
		inSub:    inSub,
		outSub:   outSub,
		size:     size,
		srcCount: srcCount,
		dstCount: dstCount,
		srcEntry: in.desc.Stride(0) * width,
		dstEntry: out.desc.Stride(0) * outWidth,
		handle:   in.backend.Stream(),
	}, nil
}

// Size is the effective (clamped) minibatch size.
func (b *Batcher) Size() int { return b.size }

// Input tensor of the batcher.
func (b *Batcher) Input() *Dense { return b.in }

// Output tensor of the batcher.
func (b *Batcher) Output() *Dense { return b.out }

// Invoke copies the window of Size() entries starting at srcIndex in the input
// to the window starting at dstIndex in the output, and returns the full
// output tensor for chaining. A nil handle uses the stream captured at
// construction.
//
// Both indices are bounds-checked before any copy: on failure it returns
// ErrIndexOutOfRange reporting the requested indices and the valid ranges, and
// the output is untouched.
func (b *Batcher) Invoke(handle backends.Handle, srcIndex, dstIndex int) (*Dense, error) {
	b.in.AssertValid()
	b.out.AssertValid()
	if srcIndex < 0 || srcIndex > b.srcCount-b.size || dstIndex < 0 || dstIndex > b.dstCount-b.size {
		return nil, errors.Wrapf(backends.ErrIndexOutOfRange,
			"minibatch of %d entries at src=%d dst=%d, valid ranges src=[0, %d] dst=[0, %d]",
			b.size, srcIndex, dstIndex, b.srcCount-b.size, b.dstCount-b.size)
	}
	if handle == nil {
		handle = b.handle
	}
	err := b.in.backend.Convert(handle,
		1, b.inSub.desc, b.in.buffer, b.in.offset+srcIndex*b.srcEntry,
		0, b.outSub.desc, b.out.buffer, b.out.offset+dstIndex*b.dstEntry)
	if err != nil {
		return nil, err
	}
	return b.out, nil
}
