package diagram

import (
	"fmt"
	"strings"

	"github.com/markarapor/reportflow/pkg/schema"
)

// RenderMermaid renders a Model as a Mermaid flowchart.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("flowchart TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}
	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", mermaidEscapeLabel(edge.Label))
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef success fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef error fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}
	return b.String()
}

// mermaidNodeDef picks a shape per node kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := `"` + mermaidEscapeLabel(node.Label) + `"`

	switch node.Kind {
	case schema.NodeTypeTrigger:
		return fmt.Sprintf("%s([%s])", id, label)
	case schema.NodeTypeDataSource:
		return fmt.Sprintf("%s[(%s)]", id, label)
	case schema.NodeTypeAIAnalysis:
		return fmt.Sprintf("%s{{%s}}", id, label)
	case schema.NodeTypeTransform:
		return fmt.Sprintf("%s[/%s/]", id, label)
	case schema.NodeTypeExport:
		return fmt.Sprintf("%s[[%s]]", id, label)
	case schema.NodeTypeNotification:
		return fmt.Sprintf("%s>%s]", id, label)
	default:
		return fmt.Sprintf("%s[%s]", id, label)
	}
}

var safeIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")

// mermaidSafeID turns a node id into a Mermaid identifier. The "n_" prefix
// keeps ids such as "end" from colliding with keywords.
func mermaidSafeID(id string) string {
	return "n_" + safeIDReplacer.Replace(id)
}

var labelReplacer = strings.NewReplacer(`"`, "#quot;", "\n", "<br/>", "|", "#124;")

func mermaidEscapeLabel(s string) string {
	return labelReplacer.Replace(s)
}

func mermaidStatusClass(status schema.NodeStatus) string {
	switch status {
	case schema.NodeStatusSuccess:
		return "success"
	case schema.NodeStatusError:
		return "error"
	case schema.NodeStatusRunning:
		return "running"
	case schema.NodeStatusPending:
		return "pending"
	case schema.NodeStatusSkipped:
		return "skipped"
	default:
		return ""
	}
}
