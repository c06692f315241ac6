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

func TestTransformerReformat(t *testing.T) {
	data := ramp(2 * 3 * 4 * 5)
	in := must.M1(FromFlatData(hostBackend, data, 2, 3, 4, 5))
	defer in.release()
	out := must.M1(Raw(hostBackend, layouts.MakeWithFormat(dtypes.Float32, []int{2, 3, 4, 5}, layouts.FormatNHWC)))
	defer out.release()

	m := must.M1(NewTransformer(in, out))
	got := must.M1(m.Invoke())
	require.Same(t, out, got)

	// Logical indexing agrees across the physical layouts.
	require.Equal(t, must.M1(in.At(1, 2, 3, 4)), must.M1(out.At(1, 2, 3, 4)))
	equal := must.M1(in.EqualData(out))
	require.True(t, equal)
}

func TestTransformerRevert(t *testing.T) {
	in := must.M1(FromFlatData(hostBackend, ramp(6), 2, 3))
	defer in.release()
	out := must.M1(Raw(hostBackend, layouts.MakeWithStrides(dtypes.Float32, []int{2, 3}, []int{1, 2})))
	defer out.release()

	m := must.M1(NewTransformer(in, out))
	must.M1(m.Invoke())

	// Scramble the input, then bring the data back from the output.
	for i := range 6 {
		require.NoError(t, in.Set(-1, i/3, i%3))
	}
	must.M1(m.Revert().Invoke())
	require.Equal(t, ramp(6), flat32(t, in))
}

func TestTransformerDTypeConversion(t *testing.T) {
	in := must.M1(FromFlatData(hostBackend, []float32{1.5, -2, 3, 4}, 2, 2))
	defer in.release()
	out := must.M1(Raw(hostBackend, layouts.Make(dtypes.Float64, 2, 2)))
	defer out.release()

	m := must.M1(NewTransformer(in, out))
	must.M1(m.Invoke())
	require.Equal(t, 1.5, must.M1(out.At(0, 0)))
	require.Equal(t, -2.0, must.M1(out.At(0, 1)))
}

func TestTransformerOnStream(t *testing.T) {
	in := must.M1(FromFlatData(devBackend, ramp(2*3*4*5), 2, 3, 4, 5))
	defer in.release()
	out := must.M1(Raw(devBackend, backends.Describe(devBackend, dtypes.Float32, []int{2, 3, 4, 5}, accel.NativeFormat)))
	defer out.release()

	m := must.M1(NewTransformer(in, out))

	stream := devBackend.(*accel.Backend).NewStream()
	must.M1(m.Invoke(stream))
	equal := must.M1(in.EqualData(out))
	require.True(t, equal)
}

func TestTransformerConstructionErrors(t *testing.T) {
	onHost := must.M1(FromFlatData(hostBackend, ramp(4), 2, 2))
	defer onHost.release()
	onDevice := must.M1(Zeros(devBackend, backends.Describe(devBackend, dtypes.Float32, []int{2, 2}, layouts.FormatStrided)))
	defer onDevice.release()

	_, err := NewTransformer(onHost, onDevice)
	require.ErrorIs(t, err, backends.ErrUnsupportedOperation)
	require.ErrorContains(t, err, "tensors.Transfer")

	other := must.M1(Zeros(hostBackend, layouts.Make(dtypes.Float32, 4)))
	defer other.release()
	_, err = NewTransformer(onHost, other)
	require.ErrorIs(t, err, backends.ErrShapeMismatch)
}
