// Package templates ships ready-made report workflow definitions.
package templates

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/markarapor/reportflow/pkg/schema"
)

//go:embed defs/*.json
var defsFS embed.FS

// Summary describes a template without its graph.
type Summary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Nodes       int    `json:"nodes"`
}

// List returns every template, sorted by id.
func List() ([]Summary, error) {
	entries, err := fs.ReadDir(defsFS, "defs")
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok {
			continue
		}
		def, err := Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, Summary{ID: def.ID, Name: def.Name, Description: def.Description, Nodes: len(def.Nodes)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns a fresh copy of the template with the given id, safe for the
// caller to modify.
func Get(id string) (*schema.WorkflowDefinition, error) {
	data, err := defsFS.ReadFile("defs/" + id + ".json")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", id)
	}
	def, err := schema.ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", id, err)
	}
	return def, nil
}
