// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package perftable

import (
	"io"
	"os"

	"github.com/gomlx/collperf/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FilePermMode used when creating new table files. Existing files keep their permissions.
const FilePermMode = 0o644

// Dump writes the table to the target: printed to stdout if target.IsStdout(), otherwise merged into the
// target file, see AppendToFile.
func Dump(t *Table, target Target, stdout io.Writer) error {
	if target.IsStdout() {
		return Print(stdout, t)
	}
	return AppendToFile(t, target.Path(), target.Format())
}

// Load reads the table persisted at path.
func Load(path string, format Format) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read profile table %q", path)
	}
	t, err := Unmarshal(data, format)
	if err != nil {
		return nil, errors.WithMessagef(err, "profile table %q is corrupt", path)
	}
	return t, nil
}

// AppendToFile merges the samples of t into the table persisted at path, creating it if it doesn't exist.
//
// Samples already in the file whose keys are not in t are preserved, and the ones with keys in t are
// replaced. The file is rewritten atomically: on failure the previous contents are left untouched.
func AppendToFile(t *Table, path string, format Format) error {
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return err
	}
	merged := New()
	if exists {
		merged, err = Load(path, format)
		if err != nil {
			return err
		}
		klog.V(1).Infof("merging %d samples into %d existing samples of %q", t.Len(), merged.Len(), path)
	}
	merged.Merge(t)
	data, err := Marshal(merged, format)
	if err != nil {
		return err
	}
	if err = fsutil.WriteFileAtomic(path, data, FilePermMode); err != nil {
		return errors.WithMessagef(err, "failed to write profile table %q", path)
	}
	klog.Infof("profile table with %d samples written to %q (%s format)", merged.Len(), path, format)
	return nil
}
