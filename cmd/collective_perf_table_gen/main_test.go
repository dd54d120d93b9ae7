// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"flag"
	"path/filepath"
	"testing"

	"github.com/gomlx/collperf/pkg/config"
	"github.com/gomlx/collperf/pkg/perftable"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setFlags sets the command-line flags for the duration of the test.
func setFlags(t *testing.T, values map[string]string) {
	for name, value := range values {
		f := flag.Lookup(name)
		require.NotNil(t, f, "flag -%s not defined", name)
		previous := f.Value.String()
		require.NoError(t, flag.Set(name, value))
		t.Cleanup(func() { _ = flag.Set(name, previous) })
	}
}

func singleNodeFlags(t *testing.T, output string) {
	setFlags(t, map[string]string{
		"num_nodes":               "1",
		"task_id":                 "0",
		"collectives":             "ALL_REDUCE,ALL_GATHER",
		"tensor_size_bytes_spec":  "start=1024,stop=2048,factor=2",
		"collective_devices_spec": "[1,4]<=[4];[2,2]<=[4]",
		"backend":                 "host",
		"dtype":                   "bf16",
		"warmup":                  "0",
		"repetitions":             "2",
		"output":                  output,
		"progress":                "false",
		"print_plan":              "false",
	})
}

func TestRunPrintPlan(t *testing.T) {
	singleNodeFlags(t, perftable.Stdout)
	setFlags(t, map[string]string{"print_plan": "true"})
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out))
	assert.Contains(t, out.String(), "Benchmark plan")
	assert.Contains(t, out.String(), "num_nodes=1\n")
	assert.Contains(t, out.String(), "devices_per_node=4\n")
	assert.Contains(t, out.String(), "repetitions=2\n")
	assert.Contains(t, out.String(), "0 ALL_REDUCE/[1,4]<=[4]/1024\n")
	assert.Contains(t, out.String(), "7 ALL_GATHER/[2,2]<=[4]/2048\n")
	assert.Regexp(t, `fingerprint=[0-9a-f]{64}\n$`, out.String())
}

func TestRunStdout(t *testing.T) {
	singleNodeFlags(t, perftable.Stdout)
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out))
	assert.Contains(t, out.String(), "Collectives performance table (8 samples)")
	assert.Contains(t, out.String(), "ALL_GATHER")
	assert.Contains(t, out.String(), "[2,2]<=[4]")
	assert.Contains(t, out.String(), "2.0 KiB")
}

func TestRunToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table"+perftable.TextExtension)
	singleNodeFlags(t, path)
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out))
	assert.Empty(t, out.String())

	table, err := perftable.Load(path, perftable.FormatText)
	require.NoError(t, err)
	require.Equal(t, 8, table.Len())
	bf16 := must.M1(config.ParseDType("bf16"))
	for _, sample := range table.Samples() {
		assert.Equal(t, 1, sample.NumNodes)
		assert.Equal(t, 2, sample.Repetitions)
		assert.Equal(t, bf16.String(), sample.DType)
	}
}

func TestRunInvalidFlags(t *testing.T) {
	singleNodeFlags(t, perftable.Stdout)
	setFlags(t, map[string]string{"collective_devices_spec": "[4294967296,4294967296]<=[4294967296,4294967296]"})
	err := run(context.Background(), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), "invalid collective_devices_spec")
}
