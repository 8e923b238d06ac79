package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/markarapor/reportflow/pkg/schema"
)

// RenderImage renders the model as a PNG using the embedded graphviz
// runtime.
func RenderImage(ctx context.Context, model *Model) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		gvNode.SetLabel(node.Label)
		styleNode(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	for _, edge := range model.Edges {
		from, to := gvNodes[edge.From], gvNodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: create edge %s -> %s: %w", edge.From, edge.To, err)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func styleNode(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case schema.NodeTypeTrigger:
		gvNode.SetShape(cgraph.EllipseShape)
	case schema.NodeTypeDataSource:
		gvNode.SetShape(cgraph.CylinderShape)
	case schema.NodeTypeAIAnalysis:
		gvNode.SetShape(cgraph.HexagonShape)
	case schema.NodeTypeTransform:
		gvNode.SetShape(cgraph.ParallelogramShape)
	case schema.NodeTypeExport:
		gvNode.SetShape(cgraph.NoteShape)
	case schema.NodeTypeNotification:
		gvNode.SetShape(cgraph.CdsShape)
	default:
		gvNode.SetShape(cgraph.BoxShape)
	}

	if node.Status == nil {
		return
	}
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch node.Status.Status {
	case schema.NodeStatusSuccess:
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case schema.NodeStatusError:
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case schema.NodeStatusRunning:
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case schema.NodeStatusPending:
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	case schema.NodeStatusSkipped:
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#888888")
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}
