// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collectives

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		unparsed string
		want     []Type
	}{
		{"single", "ALL_REDUCE", []Type{AllReduce}},
		{"both", "ALL_GATHER,ALL_REDUCE", []Type{AllGather, AllReduce}},
		{"unknown dropped", "ALL_REDUCE,FOO,ALL_GATHER", []Type{AllReduce, AllGather}},
		{"repeated", "ALL_REDUCE,ALL_REDUCE", []Type{AllReduce}},
		{"spaces", " ALL_GATHER , ", []Type{AllGather}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.unparsed)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, unparsed := range []string{"FOO", "", "all_reduce", ",,"} {
		_, err := Parse(unparsed)
		require.Error(t, err, "Parse(%q)", unparsed)
		assert.Contains(t, err.Error(), "no known collective")
	}
}

func TestNames(t *testing.T) {
	for _, collective := range Values() {
		got, found := FromName(collective.String())
		require.True(t, found)
		assert.Equal(t, collective, got)
	}
	assert.Equal(t, "UNKNOWN", Type(17).String())
	_, found := FromName("REDUCE_SCATTER")
	assert.False(t, found)
}
