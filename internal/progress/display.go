package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Display periodically renders a run's status to a terminal
type Display struct {
	run      *Run
	out      io.Writer
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewDisplay creates a display for run writing to out
func NewDisplay(run *Run, out io.Writer, interval time.Duration) *Display {
	if out == nil {
		out = os.Stdout
	}
	return &Display{
		run:      run,
		out:      out,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the display loop
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the loop and prints the final summary
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.doneCh
	})
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintln(d.out, strings.Join(generateDisplay(d.run.Snapshot()), "\n"))
		case <-d.stopCh:
			fmt.Fprintln(d.out, strings.Join(generateFinalDisplay(d.run.Snapshot()), "\n"))
			return
		}
	}
}

func generateDisplay(status Status) []string {
	lines := []string{
		"",
		"Record migration progress",
		strings.Repeat("=", 51),
		fmt.Sprintf("Records: %d/%d (%.1f%%)", status.Processed(), status.SourceCount, status.Percentage),
		"    " + generateProgressBar(status.Percentage, 40),
		fmt.Sprintf("  Migrated: %d", status.Migrated),
		fmt.Sprintf("  Skipped:  %d", status.Skipped),
		fmt.Sprintf("  Failed:   %d", status.Failed),
		fmt.Sprintf("  Rate:     %.2f it/s", status.Rate),
		fmt.Sprintf("  Elapsed:  %s", FormatDuration(status.Elapsed())),
		fmt.Sprintf("  ETA:      %s", FormatDuration(status.ETA)),
	}
	return lines
}

func generateFinalDisplay(status Status) []string {
	title := "Migration finished"
	switch status.State {
	case StateFailed:
		title = "Migration failed"
	case StateCancelled:
		title = "Migration cancelled"
	}

	return []string{
		"",
		title,
		strings.Repeat("=", 51),
		fmt.Sprintf("Processed: %d of %d records", status.Processed(), status.SourceCount),
		fmt.Sprintf("Migrated:  %d", status.Migrated),
		fmt.Sprintf("Skipped:   %d", status.Skipped),
		fmt.Sprintf("Failed:    %d", status.Failed),
		fmt.Sprintf("Duration:  %s", FormatDuration(status.Elapsed())),
		fmt.Sprintf("Rate:      %.2f it/s", status.Rate),
		"",
	}
}

func generateProgressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	return fmt.Sprintf("[%s] %.1f%%", bar, percent)
}

// FormatDuration formats a duration as 1h2m3s, 2m3s or 3s
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// IsTerminalSupported checks whether stdout is a terminal
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
