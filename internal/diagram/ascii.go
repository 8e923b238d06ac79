package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/markarapor/reportflow/pkg/schema"
)

// RenderASCII draws the model level by level with box-drawing characters,
// for terminals. Nodes of one level sit side by side; error messages and
// skip reasons follow the boxes.
func RenderASCII(model *Model) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		boxes := make([]box, 0, len(level))
		for _, id := range level {
			if n := model.findNode(id); n != nil {
				boxes = append(boxes, newBox(n))
			}
		}
		writeRow(&b, boxes)
		if i < len(model.Levels)-1 && len(boxes) > 0 {
			b.WriteString("       │\n       ▼\n")
		}
	}

	var notes []string
	for _, n := range model.Nodes {
		if n.Status != nil && n.Status.Error != "" {
			notes = append(notes, fmt.Sprintf("%s %s: %s", statusTag(n.Status.Status), n.ID, n.Status.Error))
		}
	}
	if len(notes) > 0 {
		b.WriteString("\n" + strings.Join(notes, "\n") + "\n")
	}
	return b.String()
}

func statusTag(status schema.NodeStatus) string {
	switch status {
	case schema.NodeStatusSuccess:
		return "[OK]"
	case schema.NodeStatusError:
		return "[FAIL]"
	case schema.NodeStatusRunning:
		return "[RUN]"
	case schema.NodeStatusSkipped:
		return "[SKIP]"
	case schema.NodeStatusPending:
		return "[PEND]"
	default:
		return ""
	}
}

type box struct {
	lines []string
	width int
}

func newBox(n *Node) box {
	content := strings.Split(n.Label, "\n")
	if n.Status != nil {
		if tag := statusTag(n.Status.Status); tag != "" {
			content = append(content, tag)
		}
		if n.Status.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", n.Status.DurationMs))
		}
	}

	inner := 0
	for _, line := range content {
		inner = max(inner, utf8.RuneCountInString(line))
	}
	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", inner+2)+"┐")
	for _, line := range content {
		lines = append(lines, "│ "+line+strings.Repeat(" ", inner-utf8.RuneCountInString(line))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", inner+2)+"┘")
	return box{lines: lines, width: inner + 4}
}

// writeRow prints boxes side by side, padding shorter ones.
func writeRow(b *strings.Builder, boxes []box) {
	height := 0
	for _, bx := range boxes {
		height = max(height, len(bx.lines))
	}
	for row := range height {
		for i, bx := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(bx.lines) {
				b.WriteString(bx.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", bx.width))
			}
		}
		b.WriteByte('\n')
	}
}
