// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"sync"

	"github.com/gomlx/collperf/backends"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// element types supported by the host backend.
type element interface {
	float32 | float16.Float16 | bfloat16.BFloat16
}

// Buffer of the host backend holds the flat data of one device.
type Buffer[T element] struct {
	device    int
	sizeBytes int64
	valid     bool
	flat      []T
	ops       *typedOps[T]
}

// Compile-time check.
var _ backends.Buffer = (*Buffer[float32])(nil)

// Device returns the global id of the device holding the buffer.
func (b *Buffer[T]) Device() int { return b.device }

// SizeBytes returns the requested size of the buffer. The flat data may be padded to a whole number of elements.
func (b *Buffer[T]) SizeBytes() int64 { return b.sizeBytes }

// Flat returns the underlying data.
func (b *Buffer[T]) Flat() []T { return b.flat }

// Float32s returns a copy of the data converted to float32.
func (b *Buffer[T]) Float32s() []float32 {
	values := make([]float32, len(b.flat))
	for ii, v := range b.flat {
		values[ii] = b.ops.toFloat32(v)
	}
	return values
}

// typedOps implements deviceOps for one element type.
type typedOps[T element] struct {
	backend     *Backend
	elementSize int64
	add         func(a, b T) T
	fromFloat32 func(float32) T
	toFloat32   func(T) float32

	// pools of flat slices indexed by length.
	// The underlying type is map[int]*sync.Pool.
	pools sync.Map
}

func newDeviceOps[T element](b *Backend, elementSize int64, add func(a, b T) T, fromFloat32 func(float32) T,
	toFloat32 func(T) float32) *typedOps[T] {
	return &typedOps[T]{backend: b, elementSize: elementSize, add: add, fromFloat32: fromFloat32, toFloat32: toFloat32}
}

func (o *typedOps[T]) getPool(length int) *sync.Pool {
	pool, ok := o.pools.Load(length)
	if !ok {
		pool, _ = o.pools.LoadOrStore(length, &sync.Pool{
			New: func() any {
				flat := make([]T, length)
				return &flat
			},
		})
	}
	return pool.(*sync.Pool)
}

// allocate a buffer on the device, with length ceil(sizeBytes/elementSize), filled with device+1.
func (o *typedOps[T]) allocate(device int, sizeBytes int64) backends.Buffer {
	length := int((sizeBytes + o.elementSize - 1) / o.elementSize)
	flatRef := o.getPool(length).Get().(*[]T)
	flat := *flatRef
	fill := o.fromFloat32(float32(device + 1))
	for ii := range flat {
		flat[ii] = fill
	}
	return &Buffer[T]{device: device, sizeBytes: sizeBytes, valid: true, flat: flat, ops: o}
}

func (o *typedOps[T]) toBuffer(buffer backends.Buffer) (*Buffer[T], error) {
	b, ok := buffer.(*Buffer[T])
	if !ok || b.ops != o {
		return nil, errors.Errorf("buffer %T was not allocated by this backend", buffer)
	}
	if !b.valid {
		return nil, errors.Errorf("buffer on device %d has already been freed", b.device)
	}
	return b, nil
}

// free returns the flat data to the pool. The buffer becomes invalid.
func (o *typedOps[T]) free(buffer backends.Buffer) error {
	b, err := o.toBuffer(buffer)
	if err != nil {
		return err
	}
	b.valid = false
	flat := b.flat
	b.flat = nil
	o.getPool(len(flat)).Put(&flat)
	return nil
}

func (o *typedOps[T]) flats(members []backends.Buffer) ([][]T, error) {
	flats := make([][]T, len(members))
	for ii, member := range members {
		b, err := o.toBuffer(member)
		if err != nil {
			return nil, err
		}
		flats[ii] = b.flat
	}
	return flats, nil
}
