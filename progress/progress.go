// Package progress renders a live progress bar for a transfer-demo
// Read or Write, driven by the actual byte counts flowing through
// transfer.Client rather than any simulated rate.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// TransferStats tracks one in-flight transfer's byte count against its
// known total size and reports a smoothed transfer rate.
type TransferStats struct {
	isTerm         bool
	filename       string
	fileSize       int64
	fileSizeString string
	lastUpdate     time.Time
	lastBytes      int64
	emaSpeed       float64 // bytes per second
	alpha          float64 // EMA smoothing factor (between 0 and 1)
}

// NewTransferStats returns stats for a transfer of fileSize bytes. A
// fileSize of 0 (unknown, e.g. a read, whose resource size the client
// does not learn up front) disables the percentage/bar and reports bytes
// moved instead.
func NewTransferStats(fileSize int64, filename string) *TransferStats {
	return &TransferStats{
		isTerm:         isTerminal(),
		fileSize:       fileSize,
		fileSizeString: formatBytes(float64(fileSize), true),
		filename:       filename,
		lastUpdate:     time.Now(),
		alpha:          0.1,
	}
}

func (ts *TransferStats) updateSpeed(currentBytes int64) (change int64) {
	now := time.Now()
	duration := now.Sub(ts.lastUpdate).Seconds()
	change = currentBytes - ts.lastBytes
	if duration > 0 {
		currentSpeed := float64(change) / duration
		if ts.emaSpeed == 0 {
			ts.emaSpeed = currentSpeed
		} else {
			ts.emaSpeed = ts.alpha*currentSpeed + (1-ts.alpha)*ts.emaSpeed
		}
	}
	ts.lastUpdate = now
	ts.lastBytes = currentBytes
	return
}

// PrintProgressWithSpeed renders one progress-bar frame for current bytes
// moved so far. Silent when stdout is not a terminal.
func (s *TransferStats) PrintProgressWithSpeed(current int64) {
	changed := s.updateSpeed(current)
	if !s.isTerm {
		return
	}

	speed := formatBytes(s.emaSpeed, false)
	if changed == 0 {
		speed = "-stalled-"
	}

	if s.fileSize <= 0 {
		fmt.Printf("\r%-20s %10s moved: %s", truncateString(s.filename, 20), speed, formatBytes(float64(current), true))
		return
	}

	const width = 40
	percentage := float64(current) / float64(s.fileSize)
	completed := int(percentage * float64(width))

	var bar strings.Builder
	bar.WriteString("[")
	for i := 0; i < width; i++ {
		switch {
		case i < completed:
			bar.WriteRune('=')
		case i == completed:
			bar.WriteRune('>')
		default:
			bar.WriteRune(' ')
		}
	}
	bar.WriteString("]")

	fmt.Printf("\r%-20s %s %6.2f%% %10s total: %s",
		truncateString(s.filename, 20),
		bar.String(),
		percentage*100,
		speed,
		s.fileSizeString,
	)
}

// CountingWriter wraps an io.Writer, reporting every write to Stats so a
// Read transfer's incoming bytes drive a live progress bar.
type CountingWriter struct {
	W     io.Writer
	Stats *TransferStats
	n     int64
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.W.Write(p)
	c.n += int64(n)
	c.Stats.PrintProgressWithSpeed(c.n)
	return n, err
}

// CountingReadSeeker wraps an io.ReadSeeker, reporting cumulative bytes
// read to Stats so a Write transfer's outgoing bytes drive a live
// progress bar. A Seek (the window-rewind case) corrects the running
// count to match the new position rather than letting it drift.
type CountingReadSeeker struct {
	R     io.ReadSeeker
	Stats *TransferStats
	n     int64
}

func (c *CountingReadSeeker) Read(p []byte) (int, error) {
	n, err := c.R.Read(p)
	c.n += int64(n)
	c.Stats.PrintProgressWithSpeed(c.n)
	return n, err
}

func (c *CountingReadSeeker) Seek(offset int64, whence int) (int64, error) {
	pos, err := c.R.Seek(offset, whence)
	if err == nil {
		c.n = pos
	}
	return pos, err
}

// Done prints the final newline that ends a progress display.
func (s *TransferStats) Done() {
	if s.isTerm {
		fmt.Println()
	}
}

func truncateString(s string, width int) string {
	if len(s) > width {
		return s[:width]
	}
	return fmt.Sprintf("%-*s", width, s)
}

func formatBytes(bytes float64, isTotal bool) string {
	units := []string{"B/s  ", "KB/s ", "MB/s ", "GB/s "}
	if isTotal {
		units = []string{"B", "KB", "MB", "GB"}
	}
	unitIndex := 0
	value := bytes
	for value >= 1024 && unitIndex < len(units)-1 {
		value /= 1024
		unitIndex++
	}
	if isTotal {
		return fmt.Sprintf("%0.2f %s", value, units[unitIndex])
	}
	return fmt.Sprintf("%7.2f %s", value, units[unitIndex])
}
