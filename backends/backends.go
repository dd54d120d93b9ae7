// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a device runtime needs to implement so that collective operations
// can be benchmarked on it.
//
// The benchmark only allocates buffers and issues collective operations over them: the data movement and
// its implementation are entirely up to the backend.
//
// Backends register themselves (usually during package initialization) with Register, and are created by
// name with NewWithConfig.
package backends

import (
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Backend is the API that needs to be implemented by a device runtime.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "host".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// NumDevices returns the number of devices owned by this process.
	NumDevices() int

	// DeviceIDs returns the global ids of the devices owned by this process, in the order of the buffers
	// returned by Allocate.
	DeviceIDs() []int

	// DataInterface is the sub-interface that defines the API to manage buffers on the devices.
	DataInterface

	// CollectiveOps executes the collective operations.
	CollectiveOps

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Options describes the place of this process in the distributed job, given to every backend constructor.
type Options struct {
	NumNodes, TaskID int

	// DevicesPerNode is the number of devices owned by each process. This process owns the devices with
	// global ids TaskID*DevicesPerNode to (TaskID+1)*DevicesPerNode-1.
	DevicesPerNode int

	// DType of the elements of the buffers.
	DType dtypes.DType
}

// Validate the options.
func (o Options) Validate() error {
	if o.NumNodes < 1 || o.TaskID < 0 || o.TaskID >= o.NumNodes {
		return errors.Errorf("invalid task id %d for %d nodes", o.TaskID, o.NumNodes)
	}
	if o.DevicesPerNode < 1 {
		return errors.Errorf("devices per node must be >= 1, got %d", o.DevicesPerNode)
	}
	return nil
}

// LocalDeviceIDs returns the global ids of the devices owned by this process.
func (o Options) LocalDeviceIDs() []int {
	ids := make([]int, o.DevicesPerNode)
	for i := range ids {
		ids[i] = o.TaskID*o.DevicesPerNode + i
	}
	return ids
}

// Constructor takes a config string (optionally empty) and the process Options, and returns a Backend.
type Constructor func(config string, opts Options) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered backends, sorted.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// EnvBackend is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>", see NewWithConfig.
const EnvBackend = "COLLPERF_BACKEND"

// DefaultBackendConfig returns the backend configuration to use if none is given:
//
// 1. The environment variable COLLPERF_BACKEND is used if defined.
// 2. Next the variable DefaultConfig is used if defined.
// 3. The name of the first registered backend.
func DefaultBackendConfig() string {
	if config, found := os.LookupEnv(EnvBackend); found {
		return config
	}
	if DefaultConfig != "" {
		return DefaultConfig
	}
	return firstRegistered
}

// NewWithConfig takes a configurations string formated as "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend (e.g.: "host") and "<backend_configuration>"
// is backend specific. If there is no ":", the whole config is taken as the backend name.
func NewWithConfig(config string, opts Options) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered backends -- maybe import the host one with import _ "github.com/gomlx/collperf/backends/host"?`)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	backendName, backendConfig := config, ""
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	if backendName == "" {
		backendName = firstRegistered
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %q",
			backendName, config, List())
	}
	backend, err := constructor(backendConfig, opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q", backendName)
	}
	return backend, nil
}
