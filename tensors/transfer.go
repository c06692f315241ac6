package tensors

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tensorio/tensorio/backends"
	"github.com/tensorio/tensorio/types/layouts"
)

// Transfer moves the data of src into dst, whatever backends either lives on,
// and returns dst. It is the uniform entry point for tensor data exchange,
// picking the cheapest valid path for the (source kind, destination kind)
// pair:
//
//   - same backend, equivalent layout: one bulk copy via the arithmetic
//     engine;
//   - same backend, different layout or dtype: one elementwise pass of the
//     backend's conversion kernel;
//   - cross-backend, contiguous-equivalent layouts (equal padded strides and
//     dtype): one raw copy of the flat vector view, no reformatting;
//   - cross-backend, incompatible layouts: a host-resident intermediate is
//     allocated, the data is reformatted through it in two hops, and the
//     intermediate is released on every exit path.
//
// The shape compatibility check precedes any memory operation: on
// ErrShapeMismatch the destination is untouched.
func Transfer(src, dst *Dense) (*Dense, error) {
	src.AssertValid()
	dst.AssertValid()
	if !src.desc.EqualDims(dst.desc) {
		return nil, errors.Wrapf(backends.ErrShapeMismatch,
			"transfer source %s and destination %s: dimensions differ after trimming rank padding", src.desc, dst.desc)
	}
	var err error
	if src.backend == dst.backend {
		err = transferSameBackend(src, dst)
	} else {
		err = transferCross(src, dst)
	}
	if err != nil {
		return nil, err
	}
	return dst, nil
}

// transferSameBackend handles both tensors on one backend instance.
func transferSameBackend(src, dst *Dense) error {
	if src.desc.Equivalent(dst.desc) {
		klog.V(2).Infof("transfer: bulk copy of %s on %q", src.desc, src.backend.Name())
		return src.engine.Copy(nil, src.vector, dst.vector)
	}
	// Different strides or dtype: one elementwise pass of the conversion
	// kernel, in place on this backend.
	klog.V(2).Infof("transfer: convert %s -> %s on %q", src.desc, dst.desc, src.backend.Name())
	return src.backend.Convert(nil,
		1, src.desc, src.buffer, src.offset,
		0, dst.desc, dst.buffer, dst.offset)
}

// transferFn is one cross-backend strategy of the dispatch table.
type transferFn func(src, dst *Dense) error

// crossTable is keyed by (kind of source, kind of destination), enumerated
// exhaustively; transferCross falls back to staging for unknown kinds.
var crossTable [backends.NumKinds][backends.NumKinds]transferFn

func init() {
	crossTable[backends.KindHost][backends.KindHost] = transferViaDestination
	crossTable[backends.KindHost][backends.KindDevice] = transferViaSource
	crossTable[backends.KindDevice][backends.KindHost] = transferViaDestination
	crossTable[backends.KindDevice][backends.KindDevice] = transferStaged
}

func transferCross(src, dst *Dense) error {
	if contiguousEquivalent(src.desc, dst.desc) {
		klog.V(2).Infof("transfer: raw copy %s, %q -> %q", src.desc, src.backend.Name(), dst.backend.Name())
		return rawCopy(src, dst)
	}
	srcKind, dstKind := src.backend.Kind(), dst.backend.Kind()
	var fn transferFn
	if srcKind >= 0 && srcKind < backends.NumKinds && dstKind >= 0 && dstKind < backends.NumKinds {
		fn = crossTable[srcKind][dstKind]
	}
	if fn == nil {
		// Unknown backend kind: stage through the destination's host side.
		fn = transferStaged
	}
	return fn(src, dst)
}

// contiguousEquivalent reports whether two descriptors have the same dtype and
// the same strides once both shapes are padded to a common rank, which allows
// a raw copy of the flat vector views with no reformatting.
func contiguousEquivalent(a, b layouts.Descriptor) bool {
	rank := max(a.Rank(), b.Rank())
	return layouts.PadToRank(a, rank).Equivalent(layouts.PadToRank(b, rank))
}

// rawCopy moves the flat byte span of src into dst. Only valid for
// contiguous-equivalent descriptors (same byte image on both sides).
func rawCopy(src, dst *Dense) error {
	n := src.desc.SizeBytes()
	var data []byte
	if src.backend.Addressable() {
		raw, err := src.backend.BufferBytes(src.buffer)
		if err != nil {
			return err
		}
		data = raw[src.offset : src.offset+n]
	} else {
		var err error
		data, err = src.backend.Download(src.buffer, src.offset, n)
		if err != nil {
			return err
		}
	}
	return dst.backend.Upload(dst.buffer, dst.offset, data)
}

// transferViaDestination brings the raw bytes over in the source's layout and
// reformats on the destination's (addressable) backend: an intermediate in the
// source layout, one raw hop, one conversion hop.
func transferViaDestination(src, dst *Dense) error {
	klog.V(2).Infof("transfer: %q -> %q via intermediate in source layout %s",
		src.backend.Name(), dst.backend.Name(), src.desc)
	inter, err := Raw(dst.backend, src.desc)
	if err != nil {
		return err
	}
	defer inter.release()
	if err := rawCopy(src, inter); err != nil {
		return err
	}
	return transferSameBackend(inter, dst)
}

// transferViaSource reformats on the source's (addressable) backend into the
// destination's layout first, then raw-copies: an intermediate in the
// destination layout, one conversion hop, one raw hop.
func transferViaSource(src, dst *Dense) error {
	klog.V(2).Infof("transfer: %q -> %q via intermediate in destination layout %s",
		src.backend.Name(), dst.backend.Name(), dst.desc)
	inter, err := Raw(src.backend, dst.desc)
	if err != nil {
		return err
	}
	defer inter.release()
	if err := transferSameBackend(src, inter); err != nil {
		return err
	}
	return rawCopy(inter, dst)
}

// transferStaged handles pairs where neither side can reformat locally
// (e.g. device to device): the data is staged on the destination's native host
// backend in the source layout, then transferred again from there.
func transferStaged(src, dst *Dense) error {
	klog.V(2).Infof("transfer: %q -> %q staged through %q",
		src.backend.Name(), dst.backend.Name(), dst.backend.Native().Name())
	inter, err := Raw(dst.backend.Native(), src.desc)
	if err != nil {
		return err
	}
	defer inter.release()
	if err := rawCopy(src, inter); err != nil {
		return err
	}
	return transferCross(inter, dst)
}
