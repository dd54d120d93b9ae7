// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collectives enumerates the collective operations that can be benchmarked.
package collectives

import (
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Type of collective operation.
type Type int

const (
	// AllReduce sums the buffers of all members of a replica group, and every member receives the result.
	AllReduce Type = iota

	// AllGather concatenates one shard from each member of a replica group, and every member receives the
	// concatenation.
	AllGather
)

// Separator of the tokens given to Parse.
const Separator = ","

var typeNames = []string{
	AllReduce: "ALL_REDUCE",
	AllGather: "ALL_GATHER",
}

// Values returns all the known collective types.
func Values() []Type {
	return []Type{AllReduce, AllGather}
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return "UNKNOWN"
	}
	return typeNames[t]
}

// FromName returns the Type with the given name (e.g.: "ALL_REDUCE"), and whether it was found.
func FromName(name string) (Type, bool) {
	for t, typeName := range typeNames {
		if typeName == name {
			return Type(t), true
		}
	}
	return 0, false
}

// Parse a comma-separated list of collective names.
//
// Unrecognized names are ignored: a list written for a newer version of the tool, with collectives this
// version doesn't know about, still runs the ones it knows. Repeated names are only included once.
// It returns an error if no known collective is left.
func Parse(unparsed string) ([]Type, error) {
	var types []Type
	seen := make(map[Type]bool, len(typeNames))
	for token := range strings.SplitSeq(unparsed, Separator) {
		token = strings.TrimSpace(token)
		t, found := FromName(token)
		if !found {
			if token != "" {
				klog.V(1).Infof("ignoring unknown collective %q", token)
			}
			continue
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		types = append(types, t)
	}
	if len(types) == 0 {
		return nil, errors.Errorf("no known collective in %q: valid values are %s",
			unparsed, strings.Join(typeNames, Separator))
	}
	return types, nil
}
