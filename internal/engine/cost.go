package engine

import (
	"math"

	"github.com/markarapor/reportflow/pkg/schema"
)

// CostTable prices successful nodes in credits. Types without an entry cost
// Default.
type CostTable struct {
	PerType map[schema.NodeType]float64 `json:"perType" mapstructure:"per_type"`
	Default float64                     `json:"default" mapstructure:"default"`
}

// DefaultCostTable returns the standard tariff.
func DefaultCostTable() CostTable {
	return CostTable{
		PerType: map[schema.NodeType]float64{
			schema.NodeTypeTrigger:    0,
			schema.NodeTypeDataSource: 1,
			schema.NodeTypeAIAnalysis: 5,
			schema.NodeTypeExport:     2,
		},
		Default: 0.5,
	}
}

// Cost returns the price of one successful node of type t.
func (c CostTable) Cost(t schema.NodeType) float64 {
	if v, ok := c.PerType[t]; ok {
		return v
	}
	return c.Default
}

// Credits sums the cost of successful results and rounds up.
func (c CostTable) Credits(results []schema.NodeExecutionResult) int {
	var total float64
	for _, r := range results {
		if r.Status == schema.NodeStatusSuccess {
			total += c.Cost(r.Type)
		}
	}
	return int(math.Ceil(total))
}
