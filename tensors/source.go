package tensors

import (
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/tensorio/tensorio/backends"
)

// Source is the closed capability implemented by shape-bearing Go values that
// can materialize themselves as a tensor on a backend. It is how generic
// (non-tensor) data producers enter the transfer protocol; each supported
// concrete type implements it explicitly.
type Source interface {
	Materialize(backend backends.Backend) (*Dense, error)
}

// SliceSource materializes a flat slice with explicit dimensions.
type SliceSource[T dtypes.Supported] struct {
	Data []T
	Dims []int
}

// Materialize implements Source.
func (s SliceSource[T]) Materialize(backend backends.Backend) (*Dense, error) {
	return FromFlatData(backend, s.Data, s.Dims...)
}

// ScalarSource materializes a single value as a scalar tensor.
type ScalarSource[T dtypes.Supported] struct {
	Value T
}

// Materialize implements Source.
func (s ScalarSource[T]) Materialize(backend backends.Backend) (*Dense, error) {
	return FromFlatData(backend, []T{s.Value})
}

// TransferValue moves data from a generic producer into dst and returns dst:
// a *Dense transfers directly; a Source is first materialized as a tensor on
// the destination's host-equivalent backend and then transferred, with the
// temporary released before returning.
func TransferValue(src any, dst *Dense) (*Dense, error) {
	switch v := src.(type) {
	case *Dense:
		return Transfer(v, dst)
	case Source:
		staged, err := v.Materialize(dst.backend.Native())
		if err != nil {
			return nil, err
		}
		defer staged.release()
		return Transfer(staged, dst)
	}
	return nil, errors.Wrapf(backends.ErrUnsupportedOperation,
		"cannot transfer from %T: implement tensors.Source or pass a *Dense", src)
}

// ExtractFlat materializes src on its host backend in canonical layout and
// copies its flattened values into dst, which must hold exactly Size()
// elements of the tensor's dtype.
func ExtractFlat[T dtypes.Supported](src *Dense, dst []T) error {
	src.AssertValid()
	if dtypes.FromGenericsType[T]() != src.DType() {
		return errors.Wrapf(backends.ErrUnsupportedOperation,
			"ExtractFlat[%s] on a %s tensor", dtypes.FromGenericsType[T](), src.DType())
	}
	if len(dst) != src.Size() {
		return errors.Wrapf(backends.ErrShapeMismatch,
			"ExtractFlat into %d values, tensor %s has %d elements", len(dst), src.desc, src.Size())
	}
	hostT, err := src.Host()
	if err != nil {
		return err
	}
	defer hostT.release()
	flat, err := hostT.Export()
	if err != nil {
		return err
	}
	typed, ok := flat.([]T)
	if !ok {
		return errors.Errorf("export of %s produced %s, expected []%s",
			hostT.desc, reflect.TypeOf(flat), reflect.TypeOf(dst).Elem())
	}
	copy(dst, typed)
	return nil
}
