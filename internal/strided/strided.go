// Package strided implements the layout-conversion kernel shared by the
// backend implementations: dst = alpha*reformat(src) + beta*dst over two
// byte buffers described by layouts.Descriptor values.
package strided

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/tensorio/tensorio/backends"
	"github.com/tensorio/tensorio/types/layouts"
)

// Convert reformats src into dst: dst = alpha*convert(src) + beta*dst.
//
// The descriptors must have equal dimensions after trimming rank padding;
// dtypes and strides may differ. Offsets are in bytes. The shape check happens
// before any write: on mismatch dst is untouched.
func Convert(alpha float64, srcDesc layouts.Descriptor, src []byte, srcOffset int,
	beta float64, dstDesc layouts.Descriptor, dst []byte, dstOffset int) error {
	if !srcDesc.EqualDims(dstDesc) {
		return errors.Wrapf(backends.ErrShapeMismatch,
			"convert: source %s and destination %s have different dimensions", srcDesc, dstDesc)
	}

	srcEff := srcDesc.TrimPadding()
	dstEff := dstDesc.TrimPadding()
	plain := alpha == 1 && beta == 0
	sameDType := srcEff.DType() == dstEff.DType()

	// Equivalent layouts with overwrite semantics reduce to one bulk copy.
	if plain && srcEff.Equivalent(dstEff) {
		n := srcEff.SizeBytes()
		copy(dst[dstOffset:dstOffset+n], src[srcOffset:srcOffset+n])
		return nil
	}

	dims := srcEff.Dims()
	srcStrides := srcEff.Strides()
	dstStrides := dstEff.Strides()
	srcWidth := int(srcEff.DType().Memory())
	dstWidth := int(dstEff.DType().Memory())

	index := make([]int, len(dims))
	for {
		srcElem, dstElem := 0, 0
		for axis, idx := range index {
			srcElem += idx * srcStrides[axis]
			dstElem += idx * dstStrides[axis]
		}
		srcAt := srcOffset + srcElem*srcWidth
		dstAt := dstOffset + dstElem*dstWidth

		if plain && sameDType {
			copy(dst[dstAt:dstAt+dstWidth], src[srcAt:srcAt+srcWidth])
		} else {
			x, err := ReadValue(srcEff.DType(), src, srcAt)
			if err != nil {
				return err
			}
			v := alpha * x
			if beta != 0 {
				y, err := ReadValue(dstEff.DType(), dst, dstAt)
				if err != nil {
					return err
				}
				v += beta * y
			}
			if err := WriteValue(dstEff.DType(), dst, dstAt, v); err != nil {
				return err
			}
		}

		if !increment(index, dims) {
			return nil
		}
	}
}

// increment advances a multi-dimensional index in row-major order, returning
// false after the last position.
func increment(index, dims []int) bool {
	for axis := len(index) - 1; axis >= 0; axis-- {
		index[axis]++
		if index[axis] < dims[axis] {
			return true
		}
		index[axis] = 0
	}
	return false
}

// ReadValue decodes the element of the given dtype at the byte offset as a
// float64.
func ReadValue(dtype dtypes.DType, data []byte, offset int) (float64, error) {
	switch dtype {
	case dtypes.Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data[offset:])), nil
	case dtypes.Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))), nil
	case dtypes.Float16:
		return float64(float16.Float16(binary.LittleEndian.Uint16(data[offset:])).Float32()), nil
	case dtypes.BFloat16:
		return float64(bfloat16.BFloat16(binary.LittleEndian.Uint16(data[offset:])).Float32()), nil
	case dtypes.Int8:
		return float64(int8(data[offset])), nil
	case dtypes.Int16:
		return float64(int16(binary.LittleEndian.Uint16(data[offset:]))), nil
	case dtypes.Int32:
		return float64(int32(binary.LittleEndian.Uint32(data[offset:]))), nil
	case dtypes.Int64:
		return float64(int64(binary.LittleEndian.Uint64(data[offset:]))), nil
	case dtypes.Uint8:
		return float64(data[offset]), nil
	case dtypes.Uint16:
		return float64(binary.LittleEndian.Uint16(data[offset:])), nil
	case dtypes.Uint32:
		return float64(binary.LittleEndian.Uint32(data[offset:])), nil
	case dtypes.Uint64:
		return float64(binary.LittleEndian.Uint64(data[offset:])), nil
	}
	return 0, errors.Wrapf(backends.ErrUnsupportedOperation, "dtype %s has no numeric element access", dtype)
}

// WriteValue encodes a float64 as an element of the given dtype at the byte
// offset.
func WriteValue(dtype dtypes.DType, data []byte, offset int, value float64) error {
	switch dtype {
	case dtypes.Float64:
		binary.LittleEndian.PutUint64(data[offset:], math.Float64bits(value))
	case dtypes.Float32:
		binary.LittleEndian.PutUint32(data[offset:], math.Float32bits(float32(value)))
	case dtypes.Float16:
		binary.LittleEndian.PutUint16(data[offset:], uint16(float16.Fromfloat32(float32(value))))
	case dtypes.BFloat16:
		binary.LittleEndian.PutUint16(data[offset:], uint16(bfloat16.FromFloat32(float32(value))))
	case dtypes.Int8:
		data[offset] = byte(int8(value))
	case dtypes.Int16:
		binary.LittleEndian.PutUint16(data[offset:], uint16(int16(value)))
	case dtypes.Int32:
		binary.LittleEndian.PutUint32(data[offset:], uint32(int32(value)))
	case dtypes.Int64:
		binary.LittleEndian.PutUint64(data[offset:], uint64(int64(value)))
	case dtypes.Uint8:
		data[offset] = byte(uint8(value))
	case dtypes.Uint16:
		binary.LittleEndian.PutUint16(data[offset:], uint16(value))
	case dtypes.Uint32:
		binary.LittleEndian.PutUint32(data[offset:], uint32(value))
	case dtypes.Uint64:
		binary.LittleEndian.PutUint64(data[offset:], uint64(value))
	default:
		return errors.Wrapf(backends.ErrUnsupportedOperation, "dtype %s has no numeric element access", dtype)
	}
	return nil
}
