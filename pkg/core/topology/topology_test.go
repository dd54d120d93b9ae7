// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package topology_test

import (
	"testing"

	"github.com/gomlx/collperf/pkg/core/topology"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		tests := []struct {
			name       string
			descriptor string
			wantGroups [][]int
			wantString string
		}{
			{"all devices", "[1,8]<=[8]", [][]int{{0, 1, 2, 3, 4, 5, 6, 7}}, "[1,8]<=[8]"},
			{"two groups", "[2,4]<=[8]", [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}}, "[2,4]<=[8]"},
			{"transposed", "[2,4]<=[4,2]T(1,0)", [][]int{{0, 2, 4, 6}, {1, 3, 5, 7}}, "[2,4]<=[4,2]T(1,0)"},
			{"identity transpose dropped", "[4,2]<=[2,4]T(0,1)", [][]int{{0, 1}, {2, 3}, {4, 5}, {6, 7}}, "[4,2]<=[2,4]"},
			{"3D transpose", "[4,2]<=[2,2,2]T(2,1,0)", [][]int{{0, 4}, {2, 6}, {1, 5}, {3, 7}}, "[4,2]<=[2,2,2]T(2,1,0)"},
			{"spaces", "  [ 2, 2 ] <= [4] ", [][]int{{0, 1}, {2, 3}}, "[2,2]<=[4]"},
			{"single device", "[1,1]<=[1]", [][]int{{0}}, "[1,1]<=[1]"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				l, err := topology.Parse(tt.descriptor)
				require.NoError(t, err)
				assert.Equal(t, tt.wantGroups, l.ReplicaGroups())
				assert.Equal(t, tt.wantString, l.String())
			})
		}
	})

	t.Run("Errors", func(t *testing.T) {
		tests := []struct {
			name       string
			descriptor string
			wantErr    string
		}{
			{"empty", "", "empty collective devices"},
			{"explicit groups", "{{0,1},{2,3}}", "not an iota replica group list"},
			{"malformed explicit groups", "{{0,1},{2,3}", "expected \"}\""},
			{"missing arrow", "[1,8][8]", "expected \"<=\""},
			{"rank-3 groups", "[1,2,4]<=[8]", "must be [num_groups,group_size]"},
			{"size mismatch", "[2,4]<=[6]", "hold 6 devices"},
			{"bad permutation", "[2,4]<=[4,2]T(0,0)", "not a permutation"},
			{"permutation rank", "[2,4]<=[4,2]T(0)", "one axis per reshape dimension"},
			{"trailing garbage", "[1,8]<=[8]x", "unexpected trailing"},
			{"negative", "[1,-8]<=[8]", "non-negative integer"},
			{"zero groups", "[0,8]<=[8]", "must be positive"},
			{"wrapping product", "[4294967296,4294967296]<=[4294967296,4294967296]", "maximum of 1048576 devices"},
			{"huge product", "[4294967297,2]<=[4294967297,2]", "maximum of 1048576 devices"},
			{"huge reshape", "[1,1]<=[2097152,2097152]", "reshape dimensions [2097152 2097152] span more"},
			{"too many devices", "[1,2097152]<=[2097152]", "maximum of 1048576 devices"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := topology.Parse(tt.descriptor)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})
}

func TestRoundTrip(t *testing.T) {
	for _, descriptor := range []string{"[1,8]<=[8]", "[2,4]<=[4,2]T(1,0)", "[8,2]<=[2,2,4]T(1,2,0)", "[3,1]<=[3]"} {
		l := must.M1(topology.Parse(descriptor))
		reparsed := must.M1(topology.Parse(l.String()))
		assert.True(t, l.Equal(reparsed), "%s round trip", descriptor)
		assert.Equal(t, l.ReplicaGroups(), reparsed.ReplicaGroups())
	}
}

func TestReplicaGroupsArePartition(t *testing.T) {
	l := must.M1(topology.New(8, 2, []int{2, 2, 4}, []int{1, 2, 0}))
	seen := make(map[int]bool)
	for _, group := range l.ReplicaGroups() {
		require.Len(t, group, 2)
		for _, device := range group {
			require.False(t, seen[device], "device %d repeated", device)
			seen[device] = true
		}
	}
	assert.Len(t, seen, l.NumDevices())
	assert.Equal(t, 16, l.NumDevices())
	assert.Equal(t, []int{2, 2, 4}, l.ReshapeDims())
	assert.Equal(t, []int{1, 2, 0}, l.TransposePerm())
}

func TestParseList(t *testing.T) {
	lists, err := topology.ParseList("[1,8]<=[8]")
	require.NoError(t, err)
	require.Len(t, lists, 1)
	assert.Equal(t, 8, lists[0].NumDevices())

	lists, err = topology.ParseList("[1,8]<=[8];[2,4]<=[8];[4,2]<=[2,4]T(1,0)")
	require.NoError(t, err)
	require.Len(t, lists, 3)
	assert.Equal(t, "[4,2]<=[2,4]T(1,0)", lists[2].String())

	_, err = topology.ParseList("")
	require.ErrorContains(t, err, "empty list of collective devices")

	// All-or-nothing: one bad descriptor fails the whole list.
	_, err = topology.ParseList("[1,8]<=[8];[2,4]<=[7]")
	require.ErrorContains(t, err, "descriptor #1")

	_, err = topology.ParseList("[1,8]<=[8];")
	require.ErrorContains(t, err, "empty collective devices descriptor")
}
