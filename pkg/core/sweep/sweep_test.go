// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sweep

import (
	"math"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		tests := []struct {
			name     string
			unparsed string
			want     Spec
		}{
			{"geometric", "start=1,stop=8,factor=2", Spec{Start: 1, Stop: 8, Factor: 2}},
			{"arithmetic", "start=10,stop=100,step=10", Spec{Start: 10, Stop: 100, Step: 10}},
			{"any order", "factor=4,stop=64,start=1", Spec{Start: 1, Stop: 64, Factor: 4}},
			{"spaces", " start = 2 , stop=4 ,step=1", Spec{Start: 2, Stop: 4, Step: 1}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := Parse(tt.unparsed)
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			})
		}
	})

	t.Run("Errors", func(t *testing.T) {
		tests := []struct {
			name     string
			unparsed string
			wantErr  string
		}{
			{"empty", "", "empty sweep specification"},
			{"no equal sign", "start=1,stop", "expected \"key=value\""},
			{"missing value", "start=1,stop=", "missing value"},
			{"not an integer", "start=1,stop=1k,step=1", "not a 64-bit integer"},
			{"unknown key", "start=1,stop=8,factor=2,end=9", "unknown key \"end\""},
			{"duplicated key", "start=1,start=2,stop=8,step=1", "more than once"},
			{"step and factor", "start=1,stop=8,step=1,factor=2", "sets both"},
			{"neither step nor factor", "start=1,stop=8", "one of step or factor"},
			{"missing stop", "start=1,factor=2", "requires both"},
			{"zero start", "start=0,stop=8,factor=2", "start must be >= 1"},
			{"stop before start", "start=8,stop=1,step=1", "must be >= start"},
			{"factor one", "start=1,stop=8,factor=1", "factor must be > 1"},
			{"negative step", "start=1,stop=8,step=-1", "step must be > 0"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := Parse(tt.unparsed)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})
}

func TestValues(t *testing.T) {
	t.Run("PowersOfTwo", func(t *testing.T) {
		values := must.M1(Parse("start=1024,stop=2147483648,factor=2")).Values()
		require.Len(t, values, 22)
		for i, v := range values {
			assert.Equal(t, int64(1024)<<i, v)
		}
		assert.Equal(t, int64(2147483648), values[len(values)-1])
	})

	t.Run("GeometricTruncated", func(t *testing.T) {
		values := must.M1(Parse("start=3,stop=100,factor=3")).Values()
		assert.Equal(t, []int64{3, 9, 27, 81}, values)
	})

	t.Run("GeometricProperty", func(t *testing.T) {
		for _, s := range []Spec{
			{Start: 1, Stop: 1, Factor: 2},
			{Start: 5, Stop: 1000, Factor: 7},
			{Start: 1, Stop: math.MaxInt64, Factor: 2},
			{Start: math.MaxInt64 / 2, Stop: math.MaxInt64, Factor: 3},
		} {
			values := s.Values()
			require.NotEmpty(t, values, "spec %s", s)
			assert.Equal(t, s.Start, values[0])
			for i := 1; i < len(values); i++ {
				assert.Equal(t, values[i-1]*s.Factor, values[i])
			}
			last := values[len(values)-1]
			assert.LessOrEqual(t, last, s.Stop)
			// The next term would be past stop.
			assert.Greater(t, last, s.Stop/s.Factor)
		}
	})

	t.Run("Arithmetic", func(t *testing.T) {
		assert.Equal(t, []int64{10, 35, 60, 85}, must.M1(Parse("start=10,stop=100,step=25")).Values())
		assert.Equal(t, []int64{7}, Spec{Start: 7, Stop: 7, Step: 3}.Values())
		values := Spec{Start: math.MaxInt64 - 10, Stop: math.MaxInt64, Step: 4}.Values()
		assert.Equal(t, []int64{math.MaxInt64 - 10, math.MaxInt64 - 6, math.MaxInt64 - 2}, values)
	})

	t.Run("Invalid", func(t *testing.T) {
		assert.Nil(t, Spec{Start: 1, Stop: 8}.Values())
	})
}

func TestString(t *testing.T) {
	for _, unparsed := range []string{"start=1,stop=8,factor=2", "start=10,stop=100,step=10"} {
		spec := must.M1(Parse(unparsed))
		assert.Equal(t, unparsed, spec.String())
		assert.Equal(t, spec, must.M1(Parse(spec.String())))
	}
}
