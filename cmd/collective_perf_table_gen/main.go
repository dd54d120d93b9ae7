// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// collective_perf_table_gen measures the throughput of collective operations (all-reduce, all-gather) for a sweep of
// message sizes and replica group lists, and writes the profile table.
//
// Run one process per node, all with the same flags except -task_id. Task 0 hosts the coordinator on
// -coordinator_address, and writes the merged table to -output.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/collperf/backends"
	_ "github.com/gomlx/collperf/backends/default"
	"github.com/gomlx/collperf/pkg/benchmark"
	"github.com/gomlx/collperf/pkg/config"
	"github.com/gomlx/collperf/pkg/perftable"
	"github.com/gomlx/collperf/pkg/rendezvous"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var defaults = config.DefaultFlags()

var (
	flagNumNodes = flag.Int("num_nodes", defaults.NumNodes, "Total number of cooperating processes (one per node).")
	flagTaskID   = flag.Int("task_id", defaults.TaskID, "Index of this process, in [0, num_nodes). "+
		"Task 0 hosts the coordinator and writes the table.")
	flagCollectives = flag.String("collectives", "",
		"Comma-separated list of collectives to benchmark, from ALL_REDUCE and ALL_GATHER. Unknown names are ignored.")
	flagTensorSizeBytesSpec = flag.String("tensor_size_bytes_spec", "",
		"Sweep of message sizes in bytes, as comma-separated key=value pairs with keys start, stop and either "+
			"factor (geometric sweep) or step (arithmetic sweep). E.g.: \"start=1024,stop=2147483648,factor=2\".")
	flagCollectiveDevicesSpec = flag.String("collective_devices_spec", "",
		"Semicolon-separated list of iota replica group lists, in XLA format \"[G,S]<=[dims]T(perm)\". "+
			"E.g.: \"[1,8]<=[8];[2,4]<=[4,2]T(1,0)\".")
	flagCoordinatorAddress = flag.String("coordinator_address", defaults.CoordinatorAddress,
		"Address (host:port) of the coordinator, hosted by task 0.")
	flagOutput = flag.String("output", defaults.Output,
		"Either \"stdout\" to print the table, or a path to a .pbtxt (text) or .pb (binary) file: "+
			"if the file exists the new samples are merged into it.")

	flagBackend = flag.String("backend", backends.DefaultBackendConfig(),
		fmt.Sprintf("Backend configuration, formatted as \"<backend_name>:<backend_configuration>\". "+
			"Its default can also be set with $%s.", backends.EnvBackend))
	flagDType          = flag.String("dtype", defaults.DType, "Element type of the buffers: f32, f16 or bf16.")
	flagDevicesPerNode = flag.Int("devices_per_node", defaults.DevicesPerNode,
		"Number of devices of each process. If 0, it's the largest replica group list size divided by num_nodes.")
	flagWarmup            = flag.Int("warmup", defaults.Warmup, "Number of untimed runs for each step.")
	flagRepetitions       = flag.Int("repetitions", defaults.Repetitions, "Number of timed runs averaged for each step.")
	flagRendezvousTimeout = flag.Duration("rendezvous_timeout", defaults.RendezvousTimeout,
		"Longest time to wait for all tasks at any synchronization point.")
	flagPrintPlan = flag.Bool("print_plan", false, "Print the benchmark plan and its fingerprint, and exit.")
	flagProgress  = flag.Bool("progress", true, "Display a progress bar on stderr.")
)

var titleStyle = lipgloss.NewStyle().Bold(true)

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s [flags]\n\n", os.Args[0])
	_, _ = fmt.Fprintln(out, "Example of a job with 2 processes (8 devices), printing the table:")
	_, _ = fmt.Fprintln(out, "\t$ collective_perf_table_gen -num_nodes=2 -task_id=0 -collectives=ALL_REDUCE,ALL_GATHER \\")
	_, _ = fmt.Fprintln(out, "\t\t-tensor_size_bytes_spec=start=1024,stop=2147483648,factor=2 \\")
	_, _ = fmt.Fprintln(out, "\t\t-collective_devices_spec='[1,8]<=[8];[2,4]<=[8]' -coordinator_address=node0:1234 &")
	_, _ = fmt.Fprintln(out, "\t$ collective_perf_table_gen -num_nodes=2 -task_id=1 ... (same flags)")
	_, _ = fmt.Fprintln(out, "\nFlags:")
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %q. See 'collective_perf_table_gen -help'.", flag.Args())
		klog.Flush()
		os.Exit(1)
	}
	if err := run(context.Background(), os.Stdout); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

// run the benchmark configured by the flags. The plan or the printed table are written to stdout.
func run(ctx context.Context, stdout io.Writer) error {
	cfg, err := config.New(config.Flags{
		NumNodes:              *flagNumNodes,
		TaskID:                *flagTaskID,
		Collectives:           *flagCollectives,
		TensorSizeBytesSpec:   *flagTensorSizeBytesSpec,
		CollectiveDevicesSpec: *flagCollectiveDevicesSpec,
		CoordinatorAddress:    *flagCoordinatorAddress,
		Output:                *flagOutput,
		Backend:               *flagBackend,
		DType:                 *flagDType,
		DevicesPerNode:        *flagDevicesPerNode,
		Warmup:                *flagWarmup,
		Repetitions:           *flagRepetitions,
		RendezvousTimeout:     *flagRendezvousTimeout,
	})
	if err != nil {
		return errors.WithMessage(err, "invalid configuration")
	}
	if *flagPrintPlan {
		_, err = fmt.Fprintf(stdout, "%s\n%sfingerprint=%s\n", titleStyle.Render("Benchmark plan"), cfg.Plan(), cfg.Fingerprint())
		return errors.Wrap(err, "failed to print the plan")
	}
	klog.Infof("Task %d/%d: %s", cfg.TaskID(), cfg.NumNodes(), benchmark.PlanSummary(cfg))

	backend, err := backends.NewWithConfig(cfg.Backend(), backends.Options{
		NumNodes:       cfg.NumNodes(),
		TaskID:         cfg.TaskID(),
		DevicesPerNode: cfg.DevicesPerNode(),
		DType:          cfg.DType(),
	})
	if err != nil {
		return err
	}
	defer backend.Finalize()

	session, err := rendezvous.Join(ctx, rendezvous.Options{
		Address:     cfg.CoordinatorAddress(),
		NumNodes:    cfg.NumNodes(),
		TaskID:      cfg.TaskID(),
		Fingerprint: cfg.Fingerprint(),
		Timeout:     cfg.RendezvousTimeout(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	runner := benchmark.New(cfg, backend, session)
	if *flagProgress {
		runner.WithProgress(os.Stderr)
	}
	table, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if !cfg.IsLeader() {
		klog.Infof("Task %d finished, results sent to task 0", cfg.TaskID())
		return nil
	}
	return perftable.Dump(table, cfg.Output(), stdout)
}
