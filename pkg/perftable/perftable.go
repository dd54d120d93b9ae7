// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package perftable holds the performance profile table of collective operations: one Sample per
// (collective, replica groups, message size) Key.
//
// Tables can be printed as human-readable text (Print) or persisted as protocol buffers (Marshal,
// AppendToFile), either in text (".pbtxt") or binary (".pb") format. Persisting to an existing file
// merges the new samples into the existing table.
package perftable

import (
	"fmt"
	"time"
)

// Key uniquely identifies a Sample in a Table.
type Key struct {
	// Collective name, e.g.: "ALL_REDUCE". It's a string (and not a collectives.Type) so that entries
	// written by newer versions of the tool, with unknown collectives, are preserved on merges.
	Collective string

	// ReplicaGroups is the topology descriptor, e.g.: "[2,4]<=[8]".
	ReplicaGroups string

	// SizeBytes is the message size of the collective.
	SizeBytes int64
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%s(%s, %d bytes)", k.Collective, k.ReplicaGroups, k.SizeBytes)
}

// Sample is one measured result.
type Sample struct {
	Key

	// Duration is the average wall-clock duration of one collective operation.
	Duration time.Duration

	// ThroughputBytesPerSec is derived from SizeBytes and Duration, see Throughput.
	ThroughputBytesPerSec float64

	// NumNodes is the number of processes that took part of the measurement.
	NumNodes int

	// DType of the elements of the buffers, e.g.: "Float32".
	DType string

	// Repetitions is the number of timed runs averaged into Duration.
	Repetitions int
}

// Throughput returns the bytes per second achieved moving sizeBytes in the given duration.
// It returns 0 for non-positive durations.
func Throughput(sizeBytes int64, duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}
	return float64(sizeBytes) / duration.Seconds()
}

// Table maps Key to Sample, and it preserves insertion order.
//
// It is not safe for concurrent use.
type Table struct {
	keys    []Key
	samples map[Key]Sample
}

// New returns an empty Table.
func New() *Table {
	return &Table{samples: make(map[Key]Sample)}
}

// Len returns the number of samples in the table.
func (t *Table) Len() int {
	return len(t.keys)
}

// Upsert inserts the sample, or replaces the sample with the same Key.
// A replaced sample keeps its original position in the table.
func (t *Table) Upsert(sample Sample) {
	if _, found := t.samples[sample.Key]; !found {
		t.keys = append(t.keys, sample.Key)
	}
	t.samples[sample.Key] = sample
}

// Get returns the sample for the given key, and whether it was found.
func (t *Table) Get(key Key) (Sample, bool) {
	sample, found := t.samples[key]
	return sample, found
}

// Samples returns the samples in insertion order.
func (t *Table) Samples() []Sample {
	samples := make([]Sample, 0, len(t.keys))
	for _, key := range t.keys {
		samples = append(samples, t.samples[key])
	}
	return samples
}

// Merge upserts all samples of other into t: samples of t with keys not in other are preserved, the
// others are replaced.
func (t *Table) Merge(other *Table) {
	for _, sample := range other.Samples() {
		t.Upsert(sample)
	}
}
