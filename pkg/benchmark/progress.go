// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/collperf/pkg/config"
	"github.com/gomlx/collperf/pkg/perftable"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

// progressBar displays the progress of the sweep, with the last measured step as description.
type progressBar struct {
	bar *progressbar.ProgressBar
}

func newProgressBar(w io.Writer, numSteps int) *progressBar {
	return &progressBar{
		bar: progressbar.NewOptions(numSteps,
			progressbar.OptionSetDescription("collectives"),
			progressbar.OptionSetWriter(w),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(ProgressbarStyle),
			progressbar.OptionClearOnFinish(),
		),
	}
}

func (pBar *progressBar) update(step config.Step, sample perftable.Sample) {
	pBar.bar.Describe(fmt.Sprintf("%s %s/s", step.Label(), humanize.IBytes(uint64(sample.ThroughputBytesPerSec))))
	_ = pBar.bar.Add(1)
}

func (pBar *progressBar) finish() {
	_ = pBar.bar.Finish()
}

// abort leaves the bar where it stopped, and moves to a new line.
func (pBar *progressBar) abort() {
	_ = pBar.bar.Exit()
}
