package credentials

import (
	"context"

	"github.com/markarapor/reportflow/internal/store"
	"github.com/markarapor/reportflow/pkg/schema"
)

// ConnectionStore is the slice of store.Store the resolver reads.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (*store.Connection, error)
	ListConnections(ctx context.Context, filter store.ConnectionFilter) ([]*store.Connection, error)
}

// Connections resolves stored provider connections for data-source nodes.
type Connections struct {
	store ConnectionStore
}

func NewConnections(s ConnectionStore) *Connections {
	return &Connections{store: s}
}

func (c *Connections) GetConnection(ctx context.Context, id string) (*schema.Connection, error) {
	conn, err := c.store.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	return conn.Schema(), nil
}

// ActiveConnection returns the oldest active connection of the brand for
// provider.
func (c *Connections) ActiveConnection(ctx context.Context, brandID, provider string) (*schema.Connection, error) {
	conns, err := c.store.ListConnections(ctx, store.ConnectionFilter{
		BrandID:    brandID,
		Provider:   provider,
		ActiveOnly: true,
	})
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no active %s connection for brand %q", provider, brandID)
	}
	return conns[0].Schema(), nil
}
