// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains training UI tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/detpipe/pkg/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "detpipe.train.commandline.progressBar"

// ProgressBarPriority of the progress bar hooks: it runs after the other hooks (e.g.: tracking), so that
// their log lines are printed before the table is redrawn.
const ProgressBarPriority train.Priority = 100

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar displays one progress bar step per epoch, and a table with the latest metrics above it.
type progressBar struct {
	out      io.Writer
	bar      *progressbar.ProgressBar
	termenv  *termenv.Output
	numLines int // Number of lines printed in the last update, to be overwritten.

	statsStyle lipgloss.Style
	statsTable *lgtable.Table
}

func (pBar *progressBar) OnTrainStart(state *train.State) error {
	pBar.numLines = 0
	pBar.bar = progressbar.NewOptions(state.Epochs,
		progressbar.OptionSetDescription(fmt.Sprintf("Training %s (%d epochs): ", state.ModelSummary, state.Epochs)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("epochs"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionSetWriter(pBar.out),
	)
	return nil
}

// statsRows returns the rows of the metrics table for the current state.
func statsRows(state *train.State) [][]string {
	rows := [][]string{
		{"Epoch", fmt.Sprintf("%d / %d", state.Epoch, state.Epochs)},
		{"Epoch duration", FormatDuration(state.EpochDuration)},
		{"Fitness", fmt.Sprintf("%.4f", state.Fitness)},
	}
	if state.BestFitness != nil {
		rows = append(rows, []string{"Best fitness", fmt.Sprintf("%.4f", *state.BestFitness)})
	}
	for ii, name := range state.LossNames {
		rows = append(rows, []string{name, fmt.Sprintf("%.4f", state.LossItems[ii])})
	}
	for _, name := range state.MetricNames() {
		rows = append(rows, []string{name, fmt.Sprintf("%.4f", state.Metrics[name])})
	}
	return rows
}

func (pBar *progressBar) OnEpochEnd(state *train.State) error {
	if pBar.bar == nil || pBar.bar.IsFinished() {
		return nil
	}
	pBar.statsTable.Data(lgtable.NewStringData(statsRows(state)...))
	table := pBar.statsStyle.Render(pBar.statsTable.String())

	// Overwrite the previous table and progress bar.
	pBar.termenv.HideCursor()
	if pBar.numLines > 0 {
		pBar.termenv.CursorPrevLine(pBar.numLines)
	}
	_, _ = fmt.Fprintln(pBar.out, table)
	_ = pBar.bar.Set(state.Epoch) // Prints progress bar line.
	_, _ = fmt.Fprintln(pBar.out)
	pBar.termenv.ShowCursor()
	pBar.numLines = strings.Count(table, "\n") + 2
	return nil
}

func (pBar *progressBar) OnTrainEnd(*train.State) error {
	if pBar.bar != nil {
		_ = pBar.bar.Finish()
	}
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// AttachProgressBar creates a command-line progress bar, drawn to the standard output, and attaches it
// to the hooks: every epoch it's redrawn with the latest metrics.
func AttachProgressBar(hooks *train.Hooks) {
	AttachProgressBarTo(hooks, os.Stdout)
}

// AttachProgressBarTo is like AttachProgressBar, but draws to the given writer.
func AttachProgressBarTo(hooks *train.Hooks, out io.Writer) {
	pBar := &progressBar{
		out:        out,
		termenv:    termenv.NewOutput(out),
		statsStyle: lipgloss.NewStyle().PaddingLeft(8),
		statsTable: lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			}),
	}
	hooks.Attach(ProgressBarName, ProgressBarPriority, pBar)
}
