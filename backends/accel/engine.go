package accel

import (
	"bytes"
	"reflect"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/tensorio/tensorio/backends"
	"github.com/tensorio/tensorio/internal/strided"
)

// engine is the device arithmetic engine for one dtype. Its operations run on
// device memory through the backend; callers never see the storage.
type engine struct {
	backend *Backend
	dtype   dtypes.DType
}

var _ backends.Engine = (*engine)(nil)

// DType implements backends.Engine.
func (e *engine) DType() dtypes.DType { return e.dtype }

func (e *engine) width() int { return int(e.dtype.Memory()) }

func (e *engine) span(v backends.Vector) ([]byte, error) {
	buf, err := e.backend.asBuffer(v.Buffer)
	if err != nil {
		return nil, err
	}
	if v.Stride != 1 {
		return nil, errors.Errorf("accel engine requires unit-stride vectors, got stride %d", v.Stride)
	}
	end := v.Offset + v.Count*e.width()
	if v.Offset < 0 || end > len(buf.data) {
		return nil, errors.Wrapf(backends.ErrBufferTooSmall,
			"vector [%d, %d) outside device buffer of %d bytes", v.Offset, end, len(buf.data))
	}
	return buf.data[v.Offset:end], nil
}

// Copy implements backends.Engine, ordered on the given stream.
func (e *engine) Copy(handle backends.Handle, src, dst backends.Vector) error {
	s, err := e.backend.stream(handle)
	if err != nil {
		return err
	}
	if src.Count != dst.Count {
		return errors.Wrapf(backends.ErrShapeMismatch,
			"copy of %d elements into a vector of %d elements", src.Count, dst.Count)
	}
	srcBytes, err := e.span(src)
	if err != nil {
		return err
	}
	dstBytes, err := e.span(dst)
	if err != nil {
		return err
	}
	s.next()
	copy(dstBytes, srcBytes)
	return nil
}

// Fill implements backends.Engine, ordered on the given stream.
func (e *engine) Fill(handle backends.Handle, value float64, dst backends.Vector) error {
	s, err := e.backend.stream(handle)
	if err != nil {
		return err
	}
	dstBytes, err := e.span(dst)
	if err != nil {
		return err
	}
	if len(dstBytes) == 0 {
		return nil
	}
	if err := strided.WriteValue(e.dtype, dstBytes, 0, value); err != nil {
		return err
	}
	width := e.width()
	for at := width; at < len(dstBytes); at += width {
		copy(dstBytes[at:at+width], dstBytes[:width])
	}
	s.next()
	return nil
}

// Equal implements backends.Engine: structural (bitwise) equality of contents.
func (e *engine) Equal(a, b backends.Vector) (bool, error) {
	if a.Count != b.Count {
		return false, nil
	}
	aBytes, err := e.span(a)
	if err != nil {
		return false, err
	}
	bBytes, err := e.span(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(aBytes, bBytes), nil
}

// Export implements backends.Engine: a device-to-host materialization of the
// flat vector, as a flat Go slice of the engine's dtype.
func (e *engine) Export(src backends.Vector) (any, error) {
	srcBytes, err := e.span(src)
	if err != nil {
		return nil, err
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(e.dtype.GoType()), src.Count, src.Count)
	if src.Count > 0 {
		first := flatV.Index(0)
		flatBytes := unsafe.Slice((*byte)(first.Addr().UnsafePointer()), uintptr(src.Count)*first.Type().Size())
		copy(flatBytes, srcBytes)
	}
	return flatV.Interface(), nil
}
