// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package host implements a portable backend where each device is emulated by a goroutine, and the device
// memory is plain Go memory.
//
// Collectives are executed with ring algorithms over channels, among the devices owned by this process:
// each process reduces (or gathers) the portion of every replica group it owns. It's meant as a reference
// and for testing, the numbers it measures are those of the host memory bandwidth.
package host

import (
	"context"
	"fmt"
	"strings"

	"github.com/gomlx/collperf/backends"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// BackendName to be used in COLLPERF_BACKEND (or the -backend flag) to specify this backend.
const BackendName = "host"

// Registers New() as the constructor for the "host" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new host Backend.
// There are no configurations, anything other than an empty config is an error.
func New(config string, opts backends.Options) (backends.Backend, error) {
	if strings.TrimSpace(config) != "" {
		return nil, errors.Errorf("backend %q takes no configuration, got %q", BackendName, config)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	b := &Backend{opts: opts, deviceIDs: opts.LocalDeviceIDs()}
	switch opts.DType {
	case dtypes.Float32:
		b.impl = newDeviceOps(b, 4,
			func(a, b float32) float32 { return a + b },
			func(v float32) float32 { return v },
			func(v float32) float32 { return v })
	case dtypes.Float16:
		b.impl = newDeviceOps(b, 2,
			func(a, b float16.Float16) float16.Float16 { return float16.Fromfloat32(a.Float32() + b.Float32()) },
			float16.Fromfloat32,
			func(v float16.Float16) float32 { return v.Float32() })
	case dtypes.BFloat16:
		b.impl = newDeviceOps(b, 2,
			func(a, b bfloat16.BFloat16) bfloat16.BFloat16 { return bfloat16.FromFloat32(a.Float32() + b.Float32()) },
			bfloat16.FromFloat32,
			func(v bfloat16.BFloat16) float32 { return v.Float32() })
	default:
		return nil, errors.Errorf("backend %q doesn't support dtype %s", BackendName, opts.DType)
	}
	return b, nil
}

// Backend implements the backends.Backend interface.
type Backend struct {
	opts      backends.Options
	deviceIDs []int
	impl      deviceOps
	finalized bool
}

// Compile-time check that host.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// deviceOps is implemented by the typed (generic) implementation, one per supported dtype.
type deviceOps interface {
	allocate(device int, sizeBytes int64) backends.Buffer
	free(buffer backends.Buffer) error
	allReduce(ctx context.Context, members []backends.Buffer) error
	allGather(ctx context.Context, members []backends.Buffer) error
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return fmt.Sprintf("Host memory backend (%d goroutine devices, dtype %s)", len(b.deviceIDs), b.opts.DType)
}

// NumDevices returns the number of devices owned by this process.
func (b *Backend) NumDevices() int { return len(b.deviceIDs) }

// DeviceIDs returns the global ids of the devices owned by this process.
func (b *Backend) DeviceIDs() []int {
	ids := make([]int, len(b.deviceIDs))
	copy(ids, b.deviceIDs)
	return ids
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.finalized = true
}

func (b *Backend) checkOk() error {
	if b.finalized {
		return errors.Errorf("backend %q has already been finalized", BackendName)
	}
	return nil
}

// Allocate one buffer per local device.
func (b *Backend) Allocate(sizeBytes int64) ([]backends.Buffer, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	if sizeBytes < 1 {
		return nil, errors.Errorf("can't allocate buffers of %d bytes", sizeBytes)
	}
	buffers := make([]backends.Buffer, len(b.deviceIDs))
	for ii, device := range b.deviceIDs {
		buffers[ii] = b.impl.allocate(device, sizeBytes)
	}
	return buffers, nil
}

// Free the buffers, returning them to the pool.
func (b *Backend) Free(buffers []backends.Buffer) error {
	for _, buffer := range buffers {
		if err := b.impl.free(buffer); err != nil {
			return err
		}
	}
	return nil
}

// localGroups returns, for each replica group, the buffers of its members owned by this process, in group order.
func (b *Backend) localGroups(buffers []backends.Buffer, replicaGroups [][]int) ([][]backends.Buffer, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	if len(buffers) != len(b.deviceIDs) {
		return nil, errors.Errorf("expected %d buffers (one per local device), got %d", len(b.deviceIDs), len(buffers))
	}
	first := b.deviceIDs[0]
	byDevice := make(map[int]backends.Buffer, len(buffers))
	for ii, buffer := range buffers {
		if buffer == nil {
			return nil, errors.Errorf("buffer #%d is nil", ii)
		}
		if buffer.Device() != first+ii {
			return nil, errors.Errorf("buffer #%d is on device %d, expected device %d", ii, buffer.Device(), first+ii)
		}
		if buffer.SizeBytes() != buffers[0].SizeBytes() {
			return nil, errors.Errorf("buffer #%d has %d bytes, but buffer #0 has %d bytes",
				ii, buffer.SizeBytes(), buffers[0].SizeBytes())
		}
		byDevice[buffer.Device()] = buffer
	}

	seen := make(map[int]bool)
	groups := make([][]backends.Buffer, 0, len(replicaGroups))
	numDevices := b.opts.NumNodes * b.opts.DevicesPerNode
	for groupIdx, group := range replicaGroups {
		var members []backends.Buffer
		for _, device := range group {
			if device < 0 || device >= numDevices {
				return nil, errors.Errorf("replica group #%d has device %d, but there are only %d devices",
					groupIdx, device, numDevices)
			}
			if seen[device] {
				return nil, errors.Errorf("device %d appears more than once in the replica groups", device)
			}
			seen[device] = true
			if buffer, found := byDevice[device]; found {
				members = append(members, buffer)
			}
		}
		if len(members) > 1 {
			groups = append(groups, members)
		}
	}
	return groups, nil
}

// AllReduce implements backends.CollectiveOps.
func (b *Backend) AllReduce(ctx context.Context, buffers []backends.Buffer, replicaGroups [][]int) error {
	groups, err := b.localGroups(buffers, replicaGroups)
	if err != nil {
		return errors.WithMessage(err, "AllReduce")
	}
	return forEachGroup(ctx, groups, b.impl.allReduce)
}

// AllGather implements backends.CollectiveOps.
func (b *Backend) AllGather(ctx context.Context, buffers []backends.Buffer, replicaGroups [][]int) error {
	groups, err := b.localGroups(buffers, replicaGroups)
	if err != nil {
		return errors.WithMessage(err, "AllGather")
	}
	return forEachGroup(ctx, groups, b.impl.allGather)
}
