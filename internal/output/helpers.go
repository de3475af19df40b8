package output

import (
	"fmt"
	"strings"
)

// PrintTable renders rows under a styled header, sizing each column to its
// widest cell. Meant for queue listings and history output.
func PrintTable(headers []string, rows [][]string) {
	if len(headers) == 0 {
		return
	}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	var b strings.Builder
	for i, h := range headers {
		b.WriteString(headerStyle.Render(padCell(h, widths[i])))
		if i < len(headers)-1 {
			b.WriteString("  ")
		}
	}
	fmt.Println("  " + b.String())
	fmt.Println("  " + debugStyle.Render(strings.Repeat(StyleSymbols["hline"], tableWidth(widths))))
	for _, row := range rows {
		b.Reset()
		for i := range headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			b.WriteString(padCell(cell, widths[i]))
			if i < len(headers)-1 {
				b.WriteString("  ")
			}
		}
		fmt.Println("  " + b.String())
	}
}

// PrintDetailLines renders label/value pairs with aligned labels, for single
// task or status views.
func PrintDetailLines(pairs [][2]string) {
	labelWidth := 0
	for _, p := range pairs {
		if len(p[0]) > labelWidth {
			labelWidth = len(p[0])
		}
	}
	for _, p := range pairs {
		fmt.Printf("  %s %s %s\n",
			detailStyle.Render(padCell(p[0], labelWidth)),
			StyleSymbols["arrow"],
			p[1])
	}
}

// Truncate shortens a cell value, keeping tables within sane widths.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func padCell(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func tableWidth(widths []int) int {
	total := 0
	for _, w := range widths {
		total += w
	}
	return total + 2*(len(widths)-1)
}
