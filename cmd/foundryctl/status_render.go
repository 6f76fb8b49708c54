package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

// statusColor maps segment and render job statuses to a color.
func statusColor(status string) string {
	switch status {
	case "completed":
		return ansiGreen
	case "failed":
		return ansiRed
	case "generating", "processing", "compositing":
		return ansiBlue
	case "pending":
		return ansiYellow
	default:
		return ""
	}
}

func renderStatus(status string, colorize bool) string {
	if colorize {
		if color := statusColor(status); color != "" {
			return color + status + ansiReset
		}
	}
	return status
}

func renderProgress(completed, total int, pct float64) string {
	return fmt.Sprintf("%d/%d (%.0f%%)", completed, total, pct)
}

func renderAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
