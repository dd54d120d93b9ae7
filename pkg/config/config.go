// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config assembles and validates the configuration of one distributed benchmark job.
//
// The raw command-line values are collected in Flags, and New validates them into an immutable Config,
// which is the single source of truth for the rest of the program.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/collperf/pkg/core/collectives"
	"github.com/gomlx/collperf/pkg/core/sweep"
	"github.com/gomlx/collperf/pkg/core/topology"
	"github.com/gomlx/collperf/pkg/perftable"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DefaultCoordinatorAddress is the loopback address used when none is given.
const DefaultCoordinatorAddress = "127.0.0.1:1234"

// Flags holds the raw (unparsed) configuration, as given in the command line.
type Flags struct {
	NumNodes              int
	TaskID                int
	Collectives           string
	TensorSizeBytesSpec   string
	CollectiveDevicesSpec string
	CoordinatorAddress    string
	Output                string

	// Backend configuration, formatted as "<backend_name>:<backend_configuration>", see backends.NewWithConfig.
	Backend string

	// DType of the elements of the benchmarked buffers: "f32", "f16" or "bf16".
	DType string

	// DevicesPerNode is the number of devices of each process. If 0 it is derived from the largest
	// replica group list divided by NumNodes.
	DevicesPerNode int

	// Warmup runs per sweep point, not timed.
	Warmup int

	// Repetitions timed per sweep point, averaged into one sample.
	Repetitions int

	// RendezvousTimeout is the longest any process waits for the others at a synchronization point.
	RendezvousTimeout time.Duration
}

// DefaultFlags returns the Flags with the default values.
func DefaultFlags() Flags {
	return Flags{
		NumNodes:           1,
		TaskID:             0,
		CoordinatorAddress: DefaultCoordinatorAddress,
		Output:             perftable.Stdout,
		Backend:            "host",
		DType:              "f32",
		Warmup:             2,
		Repetitions:        5,
		RendezvousTimeout:  5 * time.Minute,
	}
}

var dtypeNames = map[string]dtypes.DType{
	"f32":      dtypes.Float32,
	"float32":  dtypes.Float32,
	"f16":      dtypes.Float16,
	"float16":  dtypes.Float16,
	"bf16":     dtypes.BFloat16,
	"bfloat16": dtypes.BFloat16,
}

// ParseDType converts a dtype flag value (e.g.: "f32", "bf16") to a dtypes.DType.
func ParseDType(name string) (dtypes.DType, error) {
	dtype, found := dtypeNames[strings.ToLower(strings.TrimSpace(name))]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("unsupported dtype %q: valid values are f32, f16 and bf16", name)
	}
	return dtype, nil
}

// Config of a benchmark job. It is immutable, and all accessors return copies.
type Config struct {
	numNodes, taskID   int
	coordinatorAddress string
	collectives        []collectives.Type
	sweepSpec          sweep.Spec
	sizes              []int64
	topologies         []*topology.IotaReplicaGroupList
	output             perftable.Target
	backend            string
	dtype              dtypes.DType
	devicesPerNode     int
	warmup             int
	repetitions        int
	rendezvousTimeout  time.Duration
}

// New validates the flags and assembles the Config.
//
// The consistency of NumNodes and TaskID across the processes of the job is not checked here: that
// happens at rendezvous time.
func New(f Flags) (*Config, error) {
	if f.NumNodes < 1 {
		return nil, errors.Errorf("num_nodes must be >= 1, got %d", f.NumNodes)
	}
	if f.TaskID < 0 || f.TaskID >= f.NumNodes {
		return nil, errors.Errorf("task_id must be in [0, num_nodes=%d), got %d", f.NumNodes, f.TaskID)
	}
	host, port, err := net.SplitHostPort(f.CoordinatorAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "coordinator_address %q is not in host:port format", f.CoordinatorAddress)
	}
	if host == "" || port == "" {
		return nil, errors.Errorf("coordinator_address %q must have both host and port", f.CoordinatorAddress)
	}
	c := &Config{
		numNodes:           f.NumNodes,
		taskID:             f.TaskID,
		coordinatorAddress: f.CoordinatorAddress,
		backend:            f.Backend,
		warmup:             f.Warmup,
		repetitions:        f.Repetitions,
		rendezvousTimeout:  f.RendezvousTimeout,
	}
	if c.collectives, err = collectives.Parse(f.Collectives); err != nil {
		return nil, errors.WithMessage(err, "invalid collectives")
	}
	if c.sweepSpec, err = sweep.Parse(f.TensorSizeBytesSpec); err != nil {
		return nil, errors.WithMessage(err, "invalid tensor_size_bytes_spec")
	}
	c.sizes = c.sweepSpec.Values()
	if c.topologies, err = topology.ParseList(f.CollectiveDevicesSpec); err != nil {
		return nil, errors.WithMessage(err, "invalid collective_devices_spec")
	}
	if c.output, err = perftable.ParseTarget(f.Output); err != nil {
		return nil, errors.WithMessage(err, "invalid output")
	}
	if c.dtype, err = ParseDType(f.DType); err != nil {
		return nil, err
	}
	if c.backend == "" {
		return nil, errors.New("backend cannot be empty")
	}
	if c.warmup < 0 {
		return nil, errors.Errorf("warmup must be >= 0, got %d", c.warmup)
	}
	if c.repetitions < 1 {
		return nil, errors.Errorf("repetitions must be >= 1, got %d", c.repetitions)
	}
	if c.rendezvousTimeout <= 0 {
		return nil, errors.Errorf("rendezvous_timeout must be positive, got %s", c.rendezvousTimeout)
	}

	maxDevices := 0
	for _, l := range c.topologies {
		maxDevices = max(maxDevices, l.NumDevices())
	}
	c.devicesPerNode = f.DevicesPerNode
	switch {
	case c.devicesPerNode < 0:
		return nil, errors.Errorf("devices_per_node must be >= 0, got %d", c.devicesPerNode)
	case c.devicesPerNode == 0:
		if maxDevices%c.numNodes != 0 {
			return nil, errors.Errorf("collective devices span %d devices, which can't be evenly split among "+
				"num_nodes=%d: set devices_per_node explicitly", maxDevices, c.numNodes)
		}
		c.devicesPerNode = maxDevices / c.numNodes
	case c.devicesPerNode > topology.MaxDevices/c.numNodes:
		return nil, errors.Errorf("num_nodes=%d x devices_per_node=%d exceeds the maximum of %d devices",
			c.numNodes, c.devicesPerNode, topology.MaxDevices)
	case c.devicesPerNode*c.numNodes < maxDevices:
		return nil, errors.Errorf("collective devices span %d devices, but there are only %d devices "+
			"(num_nodes=%d x devices_per_node=%d)", maxDevices, c.devicesPerNode*c.numNodes, c.numNodes, c.devicesPerNode)
	}
	if c.devicesPerNode < 1 {
		return nil, errors.Errorf("devices_per_node must be >= 1, got %d", c.devicesPerNode)
	}
	return c, nil
}

// NumNodes is the number of cooperating processes.
func (c *Config) NumNodes() int { return c.numNodes }

// TaskID is this process' index in [0, NumNodes).
func (c *Config) TaskID() int { return c.taskID }

// IsLeader returns whether this process is the one that hosts the coordinator and writes the table.
func (c *Config) IsLeader() bool { return c.taskID == 0 }

// CoordinatorAddress in host:port format.
func (c *Config) CoordinatorAddress() string { return c.coordinatorAddress }

// Collectives to benchmark, in order.
func (c *Config) Collectives() []collectives.Type { return slices.Clone(c.collectives) }

// SweepSpec of the message sizes.
func (c *Config) SweepSpec() sweep.Spec { return c.sweepSpec }

// Sizes returns the message sizes in bytes, in increasing order.
func (c *Config) Sizes() []int64 { return slices.Clone(c.sizes) }

// Topologies returns the replica group lists to benchmark, in order. The lists themselves are immutable.
func (c *Config) Topologies() []*topology.IotaReplicaGroupList { return slices.Clone(c.topologies) }

// Output target of the profile table.
func (c *Config) Output() perftable.Target { return c.output }

// Backend configuration string.
func (c *Config) Backend() string { return c.backend }

// DType of the buffers' elements.
func (c *Config) DType() dtypes.DType { return c.dtype }

// DevicesPerNode is the number of devices owned by each process.
func (c *Config) DevicesPerNode() int { return c.devicesPerNode }

// NumDevices is the total number of devices across all processes.
func (c *Config) NumDevices() int { return c.devicesPerNode * c.numNodes }

// Warmup runs per sweep point.
func (c *Config) Warmup() int { return c.warmup }

// Repetitions timed per sweep point.
func (c *Config) Repetitions() int { return c.repetitions }

// RendezvousTimeout for each synchronization point.
func (c *Config) RendezvousTimeout() time.Duration { return c.rendezvousTimeout }

// Step is one point of the benchmark plan: one collective, over one replica group list, of one size.
type Step struct {
	// Index of the step in the plan.
	Index      int
	Collective collectives.Type
	Topology   *topology.IotaReplicaGroupList
	SizeBytes  int64
}

// Label identifies the step in a textual form, stable across processes and versions.
func (s Step) Label() string {
	return fmt.Sprintf("%s/%s/%d", s.Collective, s.Topology, s.SizeBytes)
}

// Key of the step in the profile table.
func (s Step) Key() perftable.Key {
	return perftable.Key{Collective: s.Collective.String(), ReplicaGroups: s.Topology.String(), SizeBytes: s.SizeBytes}
}

// Steps returns the plan: the canonical iteration order every process follows.
//
// Collectives are iterated in the outer loop, replica group lists in the middle loop and message sizes, in
// increasing order, in the inner loop.
func (c *Config) Steps() []Step {
	steps := make([]Step, 0, len(c.collectives)*len(c.topologies)*len(c.sizes))
	for _, collective := range c.collectives {
		for _, l := range c.topologies {
			for _, size := range c.sizes {
				steps = append(steps, Step{Index: len(steps), Collective: collective, Topology: l, SizeBytes: size})
			}
		}
	}
	return steps
}

// Plan returns the canonical textual description of the job, shared by all processes: it includes every
// setting that must match across processes, and the ordered list of steps. It doesn't include the task id.
func (c *Config) Plan() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "num_nodes=%d\n", c.numNodes)
	_, _ = fmt.Fprintf(&sb, "devices_per_node=%d\n", c.devicesPerNode)
	_, _ = fmt.Fprintf(&sb, "dtype=%s\n", c.dtype)
	_, _ = fmt.Fprintf(&sb, "warmup=%d\n", c.warmup)
	_, _ = fmt.Fprintf(&sb, "repetitions=%d\n", c.repetitions)
	for _, step := range c.Steps() {
		sb.WriteString(strconv.Itoa(step.Index))
		sb.WriteByte(' ')
		sb.WriteString(step.Label())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Fingerprint is a hash of Plan. Processes exchange it at rendezvous to detect inconsistent configurations.
func (c *Config) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.Plan()))
	return hex.EncodeToString(sum[:])
}
