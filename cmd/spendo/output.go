package main

import (
	"fmt"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printMark(color, mark, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printMark(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { printMark(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { printMark(colorYellow, "⚠", format, args...) }

// printStatus prints one aligned "Label: value" line of the status
// report. The label is padded before coloring so escape codes do not
// throw off the column.
func printStatus(label string, format string, args ...any) {
	padded := statusLabel(label)
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, padded), fmt.Sprintf(format, args...))
}

func statusLabel(label string) string {
	return fmt.Sprintf("%-17s", label+":")
}
