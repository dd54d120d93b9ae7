// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package perftable

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
)

// Print the table in a human-readable format to w.
//
// Colors are used only if w is a terminal, and the NO_COLOR environment variable is not set.
func Print(w io.Writer, t *Table) error {
	renderer := lipgloss.NewRenderer(w)
	if termenv.EnvNoColor() {
		renderer.SetColorProfile(termenv.Ascii)
	}
	table := newPlainTable(renderer,
		lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Right,
		lipgloss.Left, lipgloss.Right)
	table.Headers("Collective", "Replica Groups", "Size", "Duration", "Throughput", "Nodes", "DType", "Reps")
	for _, sample := range t.Samples() {
		table.Row(
			sample.Collective,
			sample.ReplicaGroups,
			humanize.IBytes(uint64(sample.SizeBytes)),
			sample.Duration.String(),
			humanize.IBytes(uint64(sample.ThroughputBytesPerSec))+"/s",
			strconv.Itoa(sample.NumNodes),
			sample.DType,
			humanize.Comma(int64(sample.Repetitions)),
		)
	}
	title := renderer.NewStyle().Bold(true).Render(
		fmt.Sprintf("Collectives performance table (%s samples)", humanize.Comma(int64(t.Len()))))
	if _, err := fmt.Fprintf(w, "%s\n%s\n", title, table.Render()); err != nil {
		return errors.Wrap(err, "failed to print profile table")
	}
	return nil
}

// newPlainTable with alternating row styles. The alignments are given per column, and the last one is
// repeated for the remaining columns.
func newPlainTable(renderer *lipgloss.Renderer, alignments ...lipgloss.Position) *lgtable.Table {
	headerRowStyle := renderer.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle := renderer.NewStyle().Faint(false).PaddingLeft(1).PaddingRight(1)
	evenRowStyle := renderer.NewStyle().Faint(true).PaddingLeft(1).PaddingRight(1)
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(renderer.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}
