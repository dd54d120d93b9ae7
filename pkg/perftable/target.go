// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package perftable

import (
	"path/filepath"

	"github.com/gomlx/collperf/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Stdout is the output sentinel that selects printing the table to the standard output.
const Stdout = "stdout"

// Format of a persisted table.
type Format int

const (
	// FormatText is the protocol buffer text format, selected by the ".pbtxt" extension.
	FormatText Format = iota

	// FormatBinary is the protocol buffer wire format, selected by the ".pb" extension.
	FormatBinary
)

// File extensions for each format.
const (
	TextExtension   = ".pbtxt"
	BinaryExtension = ".pb"
)

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// FormatForPath returns the Format selected by the path extension.
func FormatForPath(path string) (Format, error) {
	switch ext := filepath.Ext(path); ext {
	case TextExtension:
		return FormatText, nil
	case BinaryExtension:
		return FormatBinary, nil
	default:
		return 0, errors.Errorf("unsupported output file extension %q for %q: use %q (text) or %q (binary)",
			ext, path, TextExtension, BinaryExtension)
	}
}

// Target is where a Table is written to: either the standard output, or a file.
// The zero value is the standard output.
type Target struct {
	path   string
	format Format
}

// ParseTarget parses the output flag value: either Stdout or a path with a ".pbtxt" or ".pb" extension.
// A "~" prefix in the path is replaced by the user's home directory.
func ParseTarget(output string) (Target, error) {
	if output == Stdout {
		return Target{}, nil
	}
	if output == "" {
		return Target{}, errors.Errorf("empty output: use %q or a file path", Stdout)
	}
	path, err := fsutil.ReplaceTildeInDir(output)
	if err != nil {
		return Target{}, err
	}
	format, err := FormatForPath(path)
	if err != nil {
		return Target{}, err
	}
	return Target{path: path, format: format}, nil
}

// IsStdout returns whether the target is the standard output.
func (t Target) IsStdout() bool { return t.path == "" }

// Path of the target file. Empty for the standard output.
func (t Target) Path() string { return t.path }

// Format of the target file. Only meaningful if !IsStdout().
func (t Target) Format() Format { return t.format }

// String implements fmt.Stringer.
func (t Target) String() string {
	if t.IsStdout() {
		return Stdout
	}
	return t.path
}
