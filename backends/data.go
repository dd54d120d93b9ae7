// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

// Buffer is an opaque reference to memory on one device.
type Buffer interface {
	// Device returns the global id of the device holding the buffer.
	Device() int

	// SizeBytes returns the size of the buffer.
	SizeBytes() int64
}

// DataInterface is the Backend's subinterface that defines the API to manage buffers on the devices.
type DataInterface interface {
	// Allocate one buffer of (at least) sizeBytes on each local device, ordered as Backend.DeviceIDs.
	Allocate(sizeBytes int64) ([]Buffer, error)

	// Free the buffers returned by Allocate. Buffers must not be used after being freed.
	Free(buffers []Buffer) error
}
