package replay

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
)

const gutter = "      │              │   "

// printContent prints content wrapped and indented under the timeline.
func (r *Replayer) printContent(content string) {
	content = truncateContent(content, r.maxContentSize)
	if r.width > len(gutter) {
		content = wordwrap.String(content, r.width-len(gutter))
	}
	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(r.output, "%s%s\n", gutter, dimStyle.Render(line))
	}
}

// printArgs prints tool arguments in key order.
func (r *Replayer) printArgs(args map[string]interface{}) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(r.output, "%s%s %s\n", gutter, labelStyle.Render(k+":"), truncateHint(fmt.Sprint(args[k]), 120))
	}
}

func (r *Replayer) printError(err string) {
	fmt.Fprintf(r.output, "%s%s\n", gutter, errorStyle.Render(truncateHint(err, 300)))
}

// statusStyle returns the style for a run or task status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "succeeded":
		return successStyle
	case "failed":
		return errorStyle
	case "partially_failed", "skipped", "cancelled":
		return warnStyle
	default:
		return valueStyle
	}
}

// circuitStyle returns the style for a breaker state.
func circuitStyle(state string) lipgloss.Style {
	switch state {
	case "closed":
		return successStyle
	case "open":
		return errorStyle
	default:
		return warnStyle
	}
}

// truncateHint flattens s to one line of at most maxLen bytes.
func truncateHint(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// truncateContent caps s at maxLen bytes; 0 means unlimited.
func truncateContent(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("\n... (%d more bytes)", len(s)-maxLen)
}

func upper(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, "_", " "))
}
