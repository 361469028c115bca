package connmgr

import (
	"context"
	"fmt"

	"github.com/germanamz/toolrelay/pkg/toolservice"
)

// Source returns a catalog source that reads the service's catalog over
// the managed connection. It has the same fail-fast behavior as Invoke.
func (m *Manager) Source(serviceID string) toolservice.CatalogSource {
	return &source{m: m, id: serviceID}
}

// Sources returns a source per registered service, in registration order.
func (m *Manager) Sources() []toolservice.CatalogSource {
	ids := m.Services()

	out := make([]toolservice.CatalogSource, len(ids))
	for i, id := range ids {
		out[i] = m.Source(id)
	}

	return out
}

type source struct {
	m  *Manager
	id string
}

func (s *source) Name() string { return s.id }

func (s *source) Catalog(ctx context.Context) (toolservice.Catalog, error) {
	e, conn, connID, err := s.m.acquire(s.id)
	if err != nil {
		return toolservice.Catalog{}, err
	}

	cat, err := conn.Catalog(ctx)
	if err != nil {
		if ctx.Err() == nil && toolservice.IsConnectivity(err) {
			st := s.m.connectionLost(ctx, e, connID, err)
			return toolservice.Catalog{}, &UnavailableError{
				Service:     s.id,
				Status:      st.Status,
				NextRetryAt: st.NextRetryAt,
				Err:         err,
			}
		}
		return toolservice.Catalog{}, fmt.Errorf("connmgr: %s: catalog: %w", s.id, err)
	}

	return cat, nil
}
