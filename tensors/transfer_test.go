package tensors

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"github.com/tensorio/tensorio/backends"
	"github.com/tensorio/tensorio/backends/accel"
	"github.com/tensorio/tensorio/types/layouts"
)

func ramp(n int) []float32 {
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i)
	}
	return data
}

func flat32(t *testing.T, tensor *Dense) []float32 {
	t.Helper()
	dst := make([]float32, tensor.Size())
	require.NoError(t, ExtractFlat(tensor, dst))
	return dst
}

func TestTransferRawCopyRoundTrip(t *testing.T) {
	// [5] on the host and the device's rank-padded [5 1 1 1] share strides
	// after padding, so both hops are raw byte copies.
	src := must.M1(FromFlatData(hostBackend, ramp(5), 5))
	defer src.release()

	onDevice := must.M1(Raw(devBackend, backends.Describe(devBackend, dtypes.Float32, []int{5}, layouts.FormatStrided)))
	defer onDevice.release()
	must.M1(Transfer(src, onDevice))

	back := must.M1(onDevice.Host())
	defer back.release()
	require.Equal(t, ramp(5), flat32(t, back))
}

func TestTransferReformatRoundTrip(t *testing.T) {
	// Host canonical -> device native order -> host canonical again; both
	// cross hops need an intermediate because the strides differ.
	data := ramp(2 * 3 * 4 * 5)
	src := must.M1(FromFlatData(hostBackend, data, 2, 3, 4, 5))
	defer src.release()

	onDevice := must.M1(Raw(devBackend, backends.Describe(devBackend, dtypes.Float32, []int{2, 3, 4, 5}, accel.NativeFormat)))
	defer onDevice.release()
	require.Equal(t, layouts.FormatNHWC, onDevice.Descriptor().Format())
	must.M1(Transfer(src, onDevice))

	back := must.M1(onDevice.Host())
	defer back.release()
	require.Equal(t, data, flat32(t, back))

	equal := must.M1(src.EqualData(onDevice))
	require.True(t, equal)
}

func TestTransferStridedLayouts(t *testing.T) {
	for _, dims := range [][]int{{6}, {2, 3}, {2, 3, 4}, {2, 3, 4, 5}} {
		src := must.M1(FromFlatData(hostBackend, ramp(layouts.Make(dtypes.Float32, dims...).Size()), dims...))

		// Reverse the axis order of the strides for the destination.
		strides := make([]int, len(dims))
		acc := 1
		for axis := range dims {
			strides[axis] = acc
			acc *= dims[axis]
		}
		dst := must.M1(Raw(hostBackend, layouts.MakeWithStrides(dtypes.Float32, dims, strides)))

		must.M1(Transfer(src, dst))
		equal := must.M1(src.EqualData(dst))
		require.True(t, equal, "dims %v", dims)

		src.release()
		dst.release()
	}
}

func TestTransferShapeMismatchLeavesDestination(t *testing.T) {
	src := must.M1(FromFlatData(hostBackend, ramp(6), 2, 3))
	defer src.release()
	dst := must.M1(FromFlatData(hostBackend, []float32{9, 9, 9, 9, 9, 9}, 3, 2))
	defer dst.release()

	_, err := Transfer(src, dst)
	require.ErrorIs(t, err, backends.ErrShapeMismatch)
	require.Equal(t, []float32{9, 9, 9, 9, 9, 9}, flat32(t, dst), "destination untouched on shape mismatch")
}

func TestTransferSameBackendConvert(t *testing.T) {
	src := must.M1(FromFlatData(hostBackend, []float32{1, 2, 3, 4}, 2, 2))
	defer src.release()
	dst := must.M1(Raw(hostBackend, layouts.Make(dtypes.Float64, 2, 2)))
	defer dst.release()

	must.M1(Transfer(src, dst))
	require.Equal(t, 4.0, must.M1(dst.At(1, 1)))
	require.Equal(t, dtypes.Float64, dst.DType())
}

func TestTransferDeviceToDevice(t *testing.T) {
	other := accel.New("")
	data := ramp(2 * 3 * 4 * 5)

	src := must.M1(FromFlatData(devBackend, data, 2, 3, 4, 5))
	defer src.release()
	dst := must.M1(Raw(other, backends.Describe(other, dtypes.Float32, []int{2, 3, 4, 5}, accel.NativeFormat)))
	defer dst.release()

	must.M1(Transfer(src, dst))
	back := must.M1(dst.Host())
	defer back.release()
	require.Equal(t, data, flat32(t, back))
}

func TestTransferValueSources(t *testing.T) {
	dst := must.M1(Raw(devBackend, backends.Describe(devBackend, dtypes.Float32, []int{2, 3}, layouts.FormatStrided)))
	defer dst.release()

	must.M1(TransferValue(SliceSource[float32]{Data: ramp(6), Dims: []int{2, 3}}, dst))
	back := must.M1(dst.Host())
	defer back.release()
	require.Equal(t, ramp(6), flat32(t, back))

	scalarDst := must.M1(Raw(hostBackend, layouts.Make(dtypes.Float64)))
	defer scalarDst.release()
	must.M1(TransferValue(ScalarSource[float64]{Value: 3.5}, scalarDst))
	require.Equal(t, 3.5, must.M1(scalarDst.At()))

	_, err := TransferValue("not a tensor", dst)
	require.ErrorIs(t, err, backends.ErrUnsupportedOperation)
	require.ErrorContains(t, err, "tensors.Source")
}

func TestExtractFlatErrors(t *testing.T) {
	tensor := must.M1(FromFlatData(hostBackend, ramp(4), 2, 2))
	defer tensor.release()

	err := ExtractFlat(tensor, make([]float64, 4))
	require.ErrorIs(t, err, backends.ErrUnsupportedOperation)

	err = ExtractFlat(tensor, make([]float32, 3))
	require.ErrorIs(t, err, backends.ErrShapeMismatch)
}
