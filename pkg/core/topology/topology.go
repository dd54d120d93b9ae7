// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package topology parses device-topology descriptors: lists of replica groups over the globally numbered
// devices, in which each group of devices participates together in one collective operation.
//
// Only the compact "iota" form is accepted, in the same printing format as XLA's IotaReplicaGroupList:
//
//	[num_groups,group_size]<=[d0,d1,...]T(p0,p1,...)
//
// It reads as: take iota(d0*d1*...), reshape it to [d0,d1,...], transpose it with the permutation
// (p0,p1,...) (optional, identity if not given), and reshape the result to [num_groups,group_size].
// Each row is one replica group. Examples:
//
//	[1,8]<=[8]          -> {0,1,2,3,4,5,6,7}
//	[2,4]<=[8]          -> {0,1,2,3}, {4,5,6,7}
//	[2,4]<=[4,2]T(1,0)  -> {0,2,4,6}, {1,3,5,7}
//
// Explicit enumerations like "{{0,1},{2,3}}" are recognized but rejected.
package topology

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ListSeparator separates multiple descriptors in a single specification string.
const ListSeparator = ";"

// MaxDevices is the largest number of devices a descriptor can span.
const MaxDevices = 1 << 20

// IotaReplicaGroupList describes a partition of devices into replica groups of equal size.
//
// It is immutable once created.
type IotaReplicaGroupList struct {
	numGroups, groupSize int

	// reshapeDims is the shape iota(NumDevices()) is reshaped to before transposing.
	reshapeDims []int

	// transposePerm is nil for the identity permutation.
	transposePerm []int
}

// New creates and validates an IotaReplicaGroupList.
//
// If transposePerm is empty, it defaults to the identity permutation.
func New(numGroups, groupSize int, reshapeDims, transposePerm []int) (*IotaReplicaGroupList, error) {
	if numGroups < 1 || groupSize < 1 {
		return nil, errors.Errorf("replica groups shape must be positive, got [%d,%d]", numGroups, groupSize)
	}
	if groupSize > MaxDevices/numGroups {
		return nil, errors.Errorf("replica groups [%d,%d] span more than the maximum of %d devices",
			numGroups, groupSize, MaxDevices)
	}
	if len(reshapeDims) == 0 {
		return nil, errors.New("reshape dimensions cannot be empty")
	}
	numDevices := 1
	for i, dim := range reshapeDims {
		if dim < 1 {
			return nil, errors.Errorf("reshape dimension #%d must be positive, got %d", i, dim)
		}
		if numDevices > MaxDevices/dim {
			return nil, errors.Errorf("reshape dimensions %v span more than the maximum of %d devices",
				reshapeDims, MaxDevices)
		}
		numDevices *= dim
	}
	if numDevices != numGroups*groupSize {
		return nil, errors.Errorf("reshape dimensions %v hold %d devices, but replica groups [%d,%d] require %d",
			reshapeDims, numDevices, numGroups, groupSize, numGroups*groupSize)
	}
	l := &IotaReplicaGroupList{
		numGroups:   numGroups,
		groupSize:   groupSize,
		reshapeDims: slices.Clone(reshapeDims),
	}
	if len(transposePerm) > 0 {
		if len(transposePerm) != len(reshapeDims) {
			return nil, errors.Errorf("transpose permutation %v must have one axis per reshape dimension %v",
				transposePerm, reshapeDims)
		}
		seen := make([]bool, len(transposePerm))
		isIdentity := true
		for i, axis := range transposePerm {
			if axis < 0 || axis >= len(transposePerm) || seen[axis] {
				return nil, errors.Errorf("transpose %v is not a permutation of the %d reshape axes",
					transposePerm, len(reshapeDims))
			}
			seen[axis] = true
			isIdentity = isIdentity && axis == i
		}
		if !isIdentity {
			l.transposePerm = slices.Clone(transposePerm)
		}
	}
	return l, nil
}

// NumReplicaGroups returns the number of groups the devices are split into.
func (l *IotaReplicaGroupList) NumReplicaGroups() int { return l.numGroups }

// GroupSize returns the number of devices in each replica group.
func (l *IotaReplicaGroupList) GroupSize() int { return l.groupSize }

// NumDevices returns the number of devices covered by the replica groups, that is, devices 0 to NumDevices()-1.
func (l *IotaReplicaGroupList) NumDevices() int { return l.numGroups * l.groupSize }

// ReshapeDims returns a copy of the dimensions iota is reshaped to.
func (l *IotaReplicaGroupList) ReshapeDims() []int { return slices.Clone(l.reshapeDims) }

// TransposePerm returns a copy of the transposition applied after the reshape, or nil for the identity.
func (l *IotaReplicaGroupList) TransposePerm() []int { return slices.Clone(l.transposePerm) }

// Equal returns whether both lists describe the same structure.
func (l *IotaReplicaGroupList) Equal(other *IotaReplicaGroupList) bool {
	return l.numGroups == other.numGroups && l.groupSize == other.groupSize &&
		slices.Equal(l.reshapeDims, other.reshapeDims) && slices.Equal(l.transposePerm, other.transposePerm)
}

// ReplicaGroups expands the iota description into explicit replica groups of device indices.
func (l *IotaReplicaGroupList) ReplicaGroups() [][]int {
	rank := len(l.reshapeDims)
	perm := l.transposePerm
	if perm == nil {
		perm = make([]int, rank)
		for i := range perm {
			perm[i] = i
		}
	}
	transposedDims := make([]int, rank)
	for i, axis := range perm {
		transposedDims[i] = l.reshapeDims[axis]
	}

	// Strides of the original (row-major) reshaped iota array.
	strides := make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= l.reshapeDims[axis]
	}

	groups := make([][]int, l.numGroups)
	for i := range groups {
		groups[i] = make([]int, l.groupSize)
	}
	indices := make([]int, rank)
	for flatIdx := range l.NumDevices() {
		// Convert flat index to per-axis indices of the transposed array.
		remaining := flatIdx
		for i := rank - 1; i >= 0; i-- {
			indices[i] = remaining % transposedDims[i]
			remaining /= transposedDims[i]
		}
		// Transposed axis i corresponds to original axis perm[i].
		device := 0
		for i, axis := range perm {
			device += indices[i] * strides[axis]
		}
		groups[flatIdx/l.groupSize][flatIdx%l.groupSize] = device
	}
	return groups
}

// String implements fmt.Stringer, and it returns the descriptor in the same format accepted by Parse.
func (l *IotaReplicaGroupList) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "[%d,%d]<=", l.numGroups, l.groupSize)
	writeIntList(&sb, '[', ']', l.reshapeDims)
	if l.transposePerm != nil {
		sb.WriteByte('T')
		writeIntList(&sb, '(', ')', l.transposePerm)
	}
	return sb.String()
}

func writeIntList(sb *strings.Builder, open, closing byte, values []int) {
	sb.WriteByte(open)
	for i, v := range values {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(v))
	}
	sb.WriteByte(closing)
}

// Parse one descriptor. The whole string must be consumed, and it must describe an iota replica group list.
func Parse(descriptor string) (*IotaReplicaGroupList, error) {
	p := &parser{input: strings.TrimSpace(descriptor)}
	if p.input == "" {
		return nil, errors.New("empty collective devices descriptor")
	}
	if p.peek() == '{' {
		// Explicit enumeration of replica groups: check it's well-formed to give a better error message.
		if _, err := p.explicitGroups(); err != nil {
			return nil, errors.WithMessagef(err, "failed to parse collective devices %q", descriptor)
		}
		return nil, errors.Errorf("collective devices %q is an explicit list of replica groups, not an iota replica "+
			"group list (e.g. \"[2,4]<=[8]\")", descriptor)
	}
	l, err := p.iota()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse collective devices %q", descriptor)
	}
	return l, nil
}

// ParseList parses a ListSeparator (";") separated list of descriptors.
//
// It's all-or-nothing: if any descriptor fails to parse it returns an error, and an empty list is an error.
func ParseList(unparsed string) ([]*IotaReplicaGroupList, error) {
	if strings.TrimSpace(unparsed) == "" {
		return nil, errors.New("empty list of collective devices: at least one replica group list is required")
	}
	var lists []*IotaReplicaGroupList
	for descriptor := range strings.SplitSeq(unparsed, ListSeparator) {
		l, err := Parse(descriptor)
		if err != nil {
			return nil, errors.WithMessagef(err, "collective devices descriptor #%d", len(lists))
		}
		lists = append(lists, l)
	}
	return lists, nil
}

// parser is a tiny recursive-descent parser over the descriptor grammar.
type parser struct {
	input string
	pos   int
}

func (p *parser) skipSpaces() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *parser) expect(token string) error {
	p.skipSpaces()
	if !strings.HasPrefix(p.input[p.pos:], token) {
		return errors.Errorf("expected %q at position %d", token, p.pos)
	}
	p.pos += len(token)
	return nil
}

func (p *parser) integer() (int, error) {
	p.skipSpaces()
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] >= '0' && p.input[p.pos] <= '9' {
		p.pos++
	}
	if start == p.pos {
		return 0, errors.Errorf("expected a non-negative integer at position %d", start)
	}
	v, err := strconv.Atoi(p.input[start:p.pos])
	if err != nil {
		return 0, errors.Wrapf(err, "invalid integer at position %d", start)
	}
	return v, nil
}

// intList parses "<open>i0,i1,...<closing>". An empty list is allowed only if allowEmpty is set.
func (p *parser) intList(open, closing string, allowEmpty bool) ([]int, error) {
	if err := p.expect(open); err != nil {
		return nil, err
	}
	var values []int
	if allowEmpty && p.peek() == closing[0] {
		p.pos++
		return values, nil
	}
	for {
		v, err := p.integer()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		if p.peek() == ',' {
			p.pos++
			continue
		}
		if err := p.expect(closing); err != nil {
			return nil, err
		}
		return values, nil
	}
}

func (p *parser) atEnd() error {
	p.skipSpaces()
	if p.pos != len(p.input) {
		return errors.Errorf("unexpected trailing %q at position %d", p.input[p.pos:], p.pos)
	}
	return nil
}

func (p *parser) iota() (*IotaReplicaGroupList, error) {
	shape, err := p.intList("[", "]", false)
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 {
		return nil, errors.Errorf("replica groups shape must be [num_groups,group_size], got %v", shape)
	}
	if err = p.expect("<="); err != nil {
		return nil, err
	}
	dims, err := p.intList("[", "]", false)
	if err != nil {
		return nil, err
	}
	var perm []int
	if p.peek() == 'T' {
		p.pos++
		perm, err = p.intList("(", ")", false)
		if err != nil {
			return nil, err
		}
	}
	if err = p.atEnd(); err != nil {
		return nil, err
	}
	return New(shape[0], shape[1], dims, perm)
}

func (p *parser) explicitGroups() ([][]int, error) {
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	var groups [][]int
	for p.peek() == '{' {
		group, err := p.intList("{", "}", true)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
		if p.peek() != ',' {
			break
		}
		p.pos++
	}
	if err := p.expect("}"); err != nil {
		return nil, err
	}
	return groups, p.atEnd()
}
