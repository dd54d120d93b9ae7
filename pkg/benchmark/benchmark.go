// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package benchmark drives the measurement loop: for every step of the plan (collective x replica groups x size)
// all tasks meet at a barrier, execute the collective on their devices and time it.
//
// At the end the tables measured by every task are gathered at task 0 (the leader), which merges them.
package benchmark

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/collperf/backends"
	"github.com/gomlx/collperf/pkg/config"
	"github.com/gomlx/collperf/pkg/core/collectives"
	"github.com/gomlx/collperf/pkg/perftable"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Rendezvous synchronizes the tasks of the job. It's implemented by rendezvous.Session.
type Rendezvous interface {
	// Barrier blocks until all tasks reach the barrier with the same label.
	Barrier(ctx context.Context, label string) error

	// AllGather returns the payloads of all tasks, indexed by task id.
	AllGather(ctx context.Context, label string, payload []byte) ([][]byte, error)

	// Abort tells the other tasks that this one failed with reason, so they don't wait for it.
	Abort(ctx context.Context, reason error) error
}

// tablesLabel identifies the final gather of the tables.
const tablesLabel = "gather_tables"

// Runner executes the benchmark plan of a config.
type Runner struct {
	cfg        *config.Config
	backend    backends.Backend
	rendezvous Rendezvous
	progress   io.Writer

	// now is the wall clock, replaceable for tests.
	now func() time.Time
}

// New creates a Runner for the plan in cfg, executed on backend and synchronized with rendezvous.
func New(cfg *config.Config, backend backends.Backend, rendezvous Rendezvous) *Runner {
	return &Runner{cfg: cfg, backend: backend, rendezvous: rendezvous, now: time.Now}
}

// WithProgress displays a progress bar on w while running. Use nil to disable it (the default).
func (r *Runner) WithProgress(w io.Writer) *Runner {
	r.progress = w
	return r
}

// Run executes every step of the plan, and returns the merged table for the leader, and nil for the other tasks.
//
// Any error is fatal: there are no partial results.
func (r *Runner) Run(ctx context.Context) (*perftable.Table, error) {
	steps := r.cfg.Steps()
	if len(r.backend.DeviceIDs()) != r.cfg.DevicesPerNode() {
		return nil, errors.Errorf("backend %q has %d devices, but devices_per_node=%d",
			r.backend.Name(), r.backend.NumDevices(), r.cfg.DevicesPerNode())
	}
	klog.V(1).Infof("Task %d: running %d benchmark steps on %s", r.cfg.TaskID(), len(steps), r.backend.Description())

	var bar *progressBar
	if r.progress != nil {
		bar = newProgressBar(r.progress, len(steps))
	}
	table := perftable.New()
	for _, step := range steps {
		sample, err := r.runStep(ctx, step)
		if err != nil {
			if bar != nil {
				bar.abort()
			}
			if abortErr := r.rendezvous.Abort(ctx, err); abortErr != nil {
				klog.V(1).Infof("Task %d: %v", r.cfg.TaskID(), abortErr)
			}
			return nil, err
		}
		table.Upsert(sample)
		if bar != nil {
			bar.update(step, sample)
		}
	}
	if bar != nil {
		bar.finish()
	}
	return r.gatherTables(ctx, table)
}

// runStep measures one step of the plan.
func (r *Runner) runStep(ctx context.Context, step config.Step) (perftable.Sample, error) {
	var sample perftable.Sample
	label := step.Label()
	if err := r.rendezvous.Barrier(ctx, label); err != nil {
		return sample, err
	}

	buffers, err := r.allocate(step.SizeBytes)
	if err != nil {
		return sample, errors.WithMessagef(err, "step #%d %s", step.Index, label)
	}
	defer func() {
		if err := r.backend.Free(buffers); err != nil {
			klog.Warningf("failed to free buffers of step #%d %s: %v", step.Index, label, err)
		}
	}()

	groups := step.Topology.ReplicaGroups()
	for range r.cfg.Warmup() {
		if err := r.execute(ctx, step.Collective, buffers, groups); err != nil {
			return sample, errors.WithMessagef(err, "warmup of step #%d %s", step.Index, label)
		}
	}
	var total time.Duration
	for range r.cfg.Repetitions() {
		start := r.now()
		if err := r.execute(ctx, step.Collective, buffers, groups); err != nil {
			return sample, errors.WithMessagef(err, "step #%d %s", step.Index, label)
		}
		total += r.now().Sub(start)
	}
	duration := total / time.Duration(r.cfg.Repetitions())
	sample = perftable.Sample{
		Key:                   step.Key(),
		Duration:              duration,
		ThroughputBytesPerSec: perftable.Throughput(step.SizeBytes, duration),
		NumNodes:              r.cfg.NumNodes(),
		DType:                 r.cfg.DType().String(),
		Repetitions:           r.cfg.Repetitions(),
	}
	klog.V(2).Infof("step #%d %s: %s, %s/s", step.Index, label, duration,
		humanize.IBytes(uint64(sample.ThroughputBytesPerSec)))
	return sample, nil
}

// allocate guards the backend against panics, the usual way backends report errors.
func (r *Runner) allocate(sizeBytes int64) (buffers []backends.Buffer, err error) {
	exception := exceptions.TryCatch[error](func() {
		buffers, err = r.backend.Allocate(sizeBytes)
	})
	if exception != nil {
		return nil, errors.WithMessagef(exception, "backend %q panicked allocating %s", r.backend.Name(),
			humanize.IBytes(uint64(sizeBytes)))
	}
	return buffers, err
}

// execute one collective, converting backend panics to errors.
func (r *Runner) execute(ctx context.Context, collective collectives.Type, buffers []backends.Buffer, groups [][]int) (err error) {
	exception := exceptions.TryCatch[error](func() {
		switch collective {
		case collectives.AllReduce:
			err = r.backend.AllReduce(ctx, buffers, groups)
		case collectives.AllGather:
			err = r.backend.AllGather(ctx, buffers, groups)
		default:
			err = errors.Errorf("collective %s not supported", collective)
		}
	})
	if exception != nil {
		return errors.WithMessagef(exception, "backend %q panicked executing %s", r.backend.Name(), collective)
	}
	if err != nil {
		return errors.WithMessagef(err, "backend %q failed executing %s", r.backend.Name(), collective)
	}
	return nil
}

// gatherTables sends the table of every task to the leader, which merges them with MergeTasks.
func (r *Runner) gatherTables(ctx context.Context, table *perftable.Table) (*perftable.Table, error) {
	if r.cfg.NumNodes() == 1 {
		return table, nil
	}
	payload, err := perftable.Marshal(table, perftable.FormatBinary)
	if err != nil {
		return nil, errors.WithMessagef(err, "task %d failed to serialize its table", r.cfg.TaskID())
	}
	payloads, err := r.rendezvous.AllGather(ctx, tablesLabel, payload)
	if err != nil {
		return nil, err
	}
	if !r.cfg.IsLeader() {
		return nil, nil
	}
	tables := make([]*perftable.Table, len(payloads))
	for taskID, payload := range payloads {
		tables[taskID], err = perftable.Unmarshal(payload, perftable.FormatBinary)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid table from task %d", taskID)
		}
	}
	return MergeTasks(tables)
}

// MergeTasks merges the tables measured by each task of the job, which must have the same keys in the same order.
//
// A collective only completes when its slowest participant completes, so for each key the sample with the
// longest duration is kept.
func MergeTasks(tables []*perftable.Table) (*perftable.Table, error) {
	if len(tables) == 0 {
		return nil, errors.New("no tables to merge")
	}
	merged := perftable.New()
	for _, sample := range tables[0].Samples() {
		merged.Upsert(sample)
	}
	for taskID, table := range tables[1:] {
		if table.Len() != merged.Len() {
			return nil, errors.Errorf("task %d measured %d samples, but task 0 measured %d",
				taskID+1, table.Len(), merged.Len())
		}
		for _, sample := range table.Samples() {
			current, found := merged.Get(sample.Key)
			if !found {
				return nil, errors.Errorf("task %d measured %s, which task 0 didn't", taskID+1, sample.Key)
			}
			if sample.Duration > current.Duration {
				current.Duration = sample.Duration
				current.ThroughputBytesPerSec = perftable.Throughput(current.SizeBytes, current.Duration)
				merged.Upsert(current)
			}
		}
	}
	return merged, nil
}

// PlanSummary returns a human-readable one-line summary of the plan.
func PlanSummary(cfg *config.Config) string {
	sizes := cfg.Sizes()
	return fmt.Sprintf("%d steps: %d collective(s) x %d replica group list(s) x %d sizes (%s to %s), %d warmup + %d timed runs each",
		len(cfg.Steps()), len(cfg.Collectives()), len(cfg.Topologies()), len(sizes),
		humanize.IBytes(uint64(sizes[0])), humanize.IBytes(uint64(sizes[len(sizes)-1])),
		cfg.Warmup(), cfg.Repetitions())
}
