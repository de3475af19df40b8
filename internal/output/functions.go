package output

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func FormatSpeed(bytesDownloaded int64, elapsedSeconds float64) string {
	if elapsedSeconds <= 0 {
		return "0 B/s"
	}
	speed := float64(bytesDownloaded) / elapsedSeconds
	return fmt.Sprintf("%s/s", FormatBytes(uint64(speed)))
}

// PrintProgressBar renders a fixed-width bar. A zero or unknown total shows
// spinner-less filler since percent cannot be computed.
func PrintProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		return pendingStyle.Render(fmt.Sprintf("[%s] ?%% ", strings.Repeat("~", width)))
	}
	if current > total {
		current = total
	}
	percent := float64(current) / float64(total)
	filled := int(percent * float64(width))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("%s %s ", pendingStyle.Render(bar), debugStyle.Render(fmt.Sprintf("%5.1f%%", percent*100)))
}

func getTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

func getTerminalHeight() int {
	_, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || height <= 0 {
		return 24
	}
	return height
}

// wrapText splits a long line into terminal-width chunks so stream output
// never triggers the terminal's own wrapping, which would break redraws.
func wrapText(text string, indentWidth int) []string {
	text = strings.TrimRight(text, "\r\n")
	if text == "" {
		return nil
	}
	usable := getTerminalWidth() - indentWidth
	if usable < 20 {
		usable = 20
	}
	if len(text) <= usable {
		return []string{text}
	}
	var lines []string
	for len(text) > usable {
		lines = append(lines, text[:usable])
		text = text[usable:]
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
