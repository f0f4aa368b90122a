package relay

import (
	"github.com/krobus00/market-data-relay/internal/entity"
)

type upstreamStatuser interface {
	Status() entity.UpstreamStatus
}

// StatusProvider assembles the read-only status document from the upstream
// client and the registry.
type StatusProvider struct {
	upstream upstreamStatuser
	registry *Registry
}

func NewStatusProvider(upstream upstreamStatuser, registry *Registry) *StatusProvider {
	return &StatusProvider{
		upstream: upstream,
		registry: registry,
	}
}

func (s *StatusProvider) Status() entity.RelayStatus {
	return entity.RelayStatus{
		Upstream:         s.upstream.Status(),
		Channels:         s.registry.Counts(),
		TotalConnections: s.registry.TotalConnections(),
		PinnedChannels:   s.registry.PinnedChannels(),
	}
}
