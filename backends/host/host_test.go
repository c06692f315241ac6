package host

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/tensorio/tensorio/backends"
	"github.com/tensorio/tensorio/types/layouts"
)

func init() {
	klog.InitFlags(nil)
}

func TestRegistry(t *testing.T) {
	backends.DefaultConfig = BackendName
	b := backends.New()
	require.Equal(t, BackendName, b.Name())
	require.Equal(t, backends.KindHost, b.Kind())
	require.Equal(t, 0, b.MinRank())
	require.Same(t, b, b.Native())
	require.True(t, b.Addressable())
}

func TestAllocator(t *testing.T) {
	b := New("")
	buf := must.M1(b.Allocate(64))
	require.Equal(t, 64, must.M1(b.Capacity(buf)))

	raw := must.M1(b.BufferBytes(buf))
	require.Len(t, raw, 64)

	require.NoError(t, b.Release(buf))
	_, err := b.Capacity(buf)
	require.Error(t, err, "released buffers cannot be used")
}

func TestUploadDownload(t *testing.T) {
	b := New("")
	buf := must.M1(b.Allocate(8))
	require.NoError(t, b.Upload(buf, 2, []byte{1, 2, 3}))
	require.Equal(t, []byte{2, 3}, must.M1(b.Download(buf, 3, 2)))

	err := b.Upload(buf, 6, []byte{1, 2, 3})
	require.ErrorIs(t, err, backends.ErrBufferTooSmall)
	_, err = b.Download(buf, 6, 3)
	require.ErrorIs(t, err, backends.ErrBufferTooSmall)
}

func TestEngine(t *testing.T) {
	b := New("")
	engine := must.M1(b.Engine(dtypes.Float32))
	require.Equal(t, dtypes.Float32, engine.DType())

	buf := must.M1(b.Allocate(4 * 4))
	vec := backends.Vector{Buffer: buf, Offset: 0, Count: 4, Stride: 1}
	require.NoError(t, engine.Fill(nil, 2.5, vec))
	require.Equal(t, []float32{2.5, 2.5, 2.5, 2.5}, must.M1(engine.Export(vec)).([]float32))

	other := must.M1(b.Allocate(4 * 4))
	otherVec := backends.Vector{Buffer: other, Offset: 0, Count: 4, Stride: 1}
	require.NoError(t, engine.Copy(nil, vec, otherVec))
	equal := must.M1(engine.Equal(vec, otherVec))
	require.True(t, equal)

	require.NoError(t, engine.Fill(nil, 0, otherVec))
	equal = must.M1(engine.Equal(vec, otherVec))
	require.False(t, equal)

	err := engine.Copy(nil, vec, backends.Vector{Buffer: other, Offset: 0, Count: 3, Stride: 1})
	require.ErrorIs(t, err, backends.ErrShapeMismatch)
}

func TestConvertReformat(t *testing.T) {
	b := New("")
	// 2x3 row-major source holding [[1,2,3],[4,5,6]].
	src := must.M1(b.Allocate(6 * 4))
	srcDesc := layouts.Make(dtypes.Float32, 2, 3)
	for i, v := range []float64{1, 2, 3, 4, 5, 6} {
		require.NoError(t, b.Upload(src, i*4, float32Bytes(float32(v))))
	}

	// Column-major destination: strides [1, 2].
	dstDesc := layouts.MakeWithStrides(dtypes.Float32, []int{2, 3}, []int{1, 2})
	dst := must.M1(b.Allocate(dstDesc.SizeBytes()))
	require.NoError(t, b.Convert(nil, 1, srcDesc, src, 0, 0, dstDesc, dst, 0))

	// Physical order is now column by column: 1,4,2,5,3,6.
	want := []float64{1, 4, 2, 5, 3, 6}
	raw := must.M1(b.BufferBytes(dst))
	for i, w := range want {
		require.Equal(t, float32(w), float32FromBytes(raw[i*4:]), "element %d", i)
	}

	// Shape mismatch is detected before any write.
	badDesc := layouts.Make(dtypes.Float32, 3, 3)
	err := b.Convert(nil, 1, srcDesc, src, 0, 0, badDesc, dst, 0)
	require.ErrorIs(t, err, backends.ErrShapeMismatch)
}

func TestConvertDTypeAndScale(t *testing.T) {
	b := New("")
	srcDesc := layouts.Make(dtypes.Float32, 4)
	dstDesc := layouts.Make(dtypes.Float64, 4)
	src := must.M1(b.Allocate(srcDesc.SizeBytes()))
	dst := must.M1(b.Allocate(dstDesc.SizeBytes()))

	engine := must.M1(b.Engine(dtypes.Float32))
	require.NoError(t, engine.Fill(nil, 3, backends.Vector{Buffer: src, Count: 4, Stride: 1}))
	dstEngine := must.M1(b.Engine(dtypes.Float64))
	require.NoError(t, dstEngine.Fill(nil, 10, backends.Vector{Buffer: dst, Count: 4, Stride: 1}))

	// dst = 2*src + 1*dst = 16, with a dtype widening.
	require.NoError(t, b.Convert(nil, 2, srcDesc, src, 0, 1, dstDesc, dst, 0))
	require.Equal(t, []float64{16, 16, 16, 16}, must.M1(dstEngine.Export(backends.Vector{Buffer: dst, Count: 4, Stride: 1})).([]float64))
}

func float32Bytes(v float32) []byte {
	bits := math.Float32bits(v)
	return []byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}
}

func float32FromBytes(data []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(data))
}
