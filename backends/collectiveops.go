// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "context"

// CollectiveOps is an interface for collective operations, that is, operations executed across multiple devices.
//
// The buffers are the ones returned by DataInterface.Allocate, one per local device. Every process of the
// job must issue the same operation, with the same replica groups and sizes, for it to complete.
//
// A failed collective leaves the buffers in an undefined state.
type CollectiveOps interface {
	// AllReduce sums the buffers of the members of each replica group, and every member receives the result.
	//
	// - replicaGroups: a collection of replica groups: each replica group ([]int) is a collection of global device
	//   ids that will participate in the distributed operation. Devices not in any group don't participate.
	AllReduce(ctx context.Context, buffers []Buffer, replicaGroups [][]int) error

	// AllGather concatenates the shards of the members of each replica group, and every member receives the
	// concatenation. Each member's shard is the chunk of its buffer at the member's position in the group,
	// with the buffer split in len(group) chunks.
	AllGather(ctx context.Context, buffers []Buffer, replicaGroups [][]int) error
}
