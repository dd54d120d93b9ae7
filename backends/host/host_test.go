// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"testing"

	"github.com/gomlx/collperf/backends"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func newTestBackend(t *testing.T, numNodes, taskID, devicesPerNode int, dtype dtypes.DType) *Backend {
	backend, err := backends.NewWithConfig(BackendName, backends.Options{
		NumNodes: numNodes, TaskID: taskID, DevicesPerNode: devicesPerNode, DType: dtype})
	require.NoError(t, err)
	t.Cleanup(backend.Finalize)
	return backend.(*Backend)
}

func float32s(t *testing.T, buffer backends.Buffer) []float32 {
	switch b := buffer.(type) {
	case *Buffer[float32]:
		return b.Float32s()
	default:
		require.Failf(t, "unexpected buffer type", "%T", buffer)
	}
	return nil
}

func filled(length int, value float32) []float32 {
	values := make([]float32, length)
	for ii := range values {
		values[ii] = value
	}
	return values
}

func TestNew(t *testing.T) {
	backend := newTestBackend(t, 2, 1, 4, dtypes.Float32)
	assert.Equal(t, BackendName, backend.Name())
	assert.Equal(t, 4, backend.NumDevices())
	assert.Equal(t, []int{4, 5, 6, 7}, backend.DeviceIDs())
	assert.Contains(t, backend.Description(), "4 goroutine devices")

	_, err := New("fast", backends.Options{NumNodes: 1, DevicesPerNode: 1, DType: dtypes.Float32})
	require.ErrorContains(t, err, "takes no configuration")
	_, err = New("", backends.Options{NumNodes: 1, DevicesPerNode: 1, DType: dtypes.Int8})
	require.ErrorContains(t, err, "doesn't support dtype")
	_, err = backends.NewWithConfig("unknown", backends.Options{NumNodes: 1, DevicesPerNode: 1, DType: dtypes.Float32})
	require.ErrorContains(t, err, "can't find backend")
}

func TestAllocate(t *testing.T) {
	backend := newTestBackend(t, 1, 0, 2, dtypes.Float16)
	buffers := must.M1(backend.Allocate(7))
	require.Len(t, buffers, 2)
	for ii, buffer := range buffers {
		assert.Equal(t, ii, buffer.Device())
		assert.Equal(t, int64(7), buffer.SizeBytes())
		// 7 bytes of float16 round up to 4 elements.
		assert.Len(t, buffer.(*Buffer[float16.Float16]).Flat(), 4)
	}
	require.NoError(t, backend.Free(buffers))
	require.ErrorContains(t, backend.Free(buffers), "already been freed")

	_, err := backend.Allocate(0)
	require.Error(t, err)
}

func TestAllReduce(t *testing.T) {
	ctx := context.Background()
	const numElements = 11

	t.Run("single group", func(t *testing.T) {
		backend := newTestBackend(t, 1, 0, 4, dtypes.Float32)
		buffers := must.M1(backend.Allocate(numElements * 4))
		require.NoError(t, backend.AllReduce(ctx, buffers, [][]int{{0, 1, 2, 3}}))
		for _, buffer := range buffers {
			assert.Equal(t, filled(numElements, 1+2+3+4), float32s(t, buffer))
		}
	})

	t.Run("strided groups", func(t *testing.T) {
		backend := newTestBackend(t, 1, 0, 4, dtypes.Float32)
		buffers := must.M1(backend.Allocate(numElements * 4))
		require.NoError(t, backend.AllReduce(ctx, buffers, [][]int{{0, 2}, {1, 3}}))
		assert.Equal(t, filled(numElements, 1+3), float32s(t, buffers[0]))
		assert.Equal(t, filled(numElements, 2+4), float32s(t, buffers[1]))
		assert.Equal(t, filled(numElements, 1+3), float32s(t, buffers[2]))
		assert.Equal(t, filled(numElements, 2+4), float32s(t, buffers[3]))
	})

	t.Run("subset of devices", func(t *testing.T) {
		backend := newTestBackend(t, 1, 0, 4, dtypes.Float32)
		buffers := must.M1(backend.Allocate(numElements * 4))
		require.NoError(t, backend.AllReduce(ctx, buffers, [][]int{{0, 1}}))
		assert.Equal(t, filled(numElements, 3), float32s(t, buffers[0]))
		assert.Equal(t, filled(numElements, 3), float32s(t, buffers[1]))
		assert.Equal(t, filled(numElements, 3), float32s(t, buffers[2]))
		assert.Equal(t, filled(numElements, 4), float32s(t, buffers[3]))
	})

	t.Run("fewer elements than members", func(t *testing.T) {
		backend := newTestBackend(t, 1, 0, 4, dtypes.Float32)
		buffers := must.M1(backend.Allocate(2 * 4))
		require.NoError(t, backend.AllReduce(ctx, buffers, [][]int{{0, 1, 2, 3}}))
		for _, buffer := range buffers {
			assert.Equal(t, filled(2, 10), float32s(t, buffer))
		}
	})

	t.Run("local portion of a cross-process group", func(t *testing.T) {
		backend := newTestBackend(t, 2, 1, 2, dtypes.Float32)
		buffers := must.M1(backend.Allocate(numElements * 4))
		require.NoError(t, backend.AllReduce(ctx, buffers, [][]int{{0, 1, 2, 3}}))
		for _, buffer := range buffers {
			assert.Equal(t, filled(numElements, 3+4), float32s(t, buffer))
		}
	})

	t.Run("bfloat16", func(t *testing.T) {
		backend := newTestBackend(t, 1, 0, 2, dtypes.BFloat16)
		buffers := must.M1(backend.Allocate(8))
		require.NoError(t, backend.AllReduce(ctx, buffers, [][]int{{0, 1}}))
		for _, buffer := range buffers {
			assert.Equal(t, filled(4, 3), buffer.(*Buffer[bfloat16.BFloat16]).Float32s())
		}
	})
}

func TestAllGather(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t, 1, 0, 4, dtypes.Float32)
	buffers := must.M1(backend.Allocate(8 * 4))
	require.NoError(t, backend.AllGather(ctx, buffers, [][]int{{3, 2, 1, 0}}))
	// Member at position p contributes chunk p: device 3 is at position 0.
	want := []float32{4, 4, 3, 3, 2, 2, 1, 1}
	for _, buffer := range buffers {
		assert.Equal(t, want, float32s(t, buffer))
	}
}

func TestCollectiveErrors(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t, 1, 0, 2, dtypes.Float32)
	buffers := must.M1(backend.Allocate(16))

	require.ErrorContains(t, backend.AllReduce(ctx, buffers[:1], [][]int{{0, 1}}), "expected 2 buffers")
	require.ErrorContains(t, backend.AllReduce(ctx, buffers, [][]int{{0, 5}}), "only 2 devices")
	require.ErrorContains(t, backend.AllGather(ctx, buffers, [][]int{{0, 1}, {1}}), "more than once")

	other := newTestBackend(t, 1, 0, 2, dtypes.Float32)
	otherBuffers := must.M1(other.Allocate(16))
	require.ErrorContains(t, backend.AllReduce(ctx, otherBuffers, [][]int{{0, 1}}), "not allocated by this backend")

	backend.Finalize()
	_, err := backend.Allocate(16)
	require.ErrorContains(t, err, "finalized")
}

func TestCancellation(t *testing.T) {
	r := newRing[float32](2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Nothing was sent to member 0: it only returns because the context is cancelled.
	_, err := r.recv(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)

	// A group whose ring is interrupted returns the context error.
	backend := newTestBackend(t, 1, 0, 2, dtypes.Float32)
	buffers := must.M1(backend.Allocate(1 << 10))
	err = backend.AllReduce(ctx, buffers, [][]int{{0, 1}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestChunkBounds(t *testing.T) {
	var covered int
	for idx := range 3 {
		start, end := chunkBounds(10, 3, idx)
		assert.Equal(t, covered, start)
		covered = end
	}
	assert.Equal(t, 10, covered)
}
