package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/remindkit/remindkit/internal/models"
)

// StaticRegistry is an in-process channel registry. Production deployments
// point the engine at an external device registry; this one serves tests and
// file-configured installs.
type StaticRegistry struct {
	mu        sync.RWMutex
	endpoints map[string][]models.ChannelEndpoint
}

// NewStaticRegistry creates an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{endpoints: make(map[string][]models.ChannelEndpoint)}
}

// LoadRegistryFile builds a registry from a JSON file mapping owner IDs to
// endpoint lists.
func LoadRegistryFile(path string) (*StaticRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file %s: %w", path, err)
	}
	var endpoints map[string][]models.ChannelEndpoint
	if err := json.Unmarshal(data, &endpoints); err != nil {
		return nil, fmt.Errorf("failed to parse registry file %s: %w", path, err)
	}
	r := NewStaticRegistry()
	r.endpoints = endpoints
	return r, nil
}

// AddEndpoint registers a delivery endpoint for an owner.
func (r *StaticRegistry) AddEndpoint(ownerID string, ep models.ChannelEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[ownerID] = append(r.endpoints[ownerID], ep)
}

// ResolveChannels returns the owner's registered endpoints.
func (r *StaticRegistry) ResolveChannels(ctx context.Context, ownerID string) ([]models.ChannelEndpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eps := r.endpoints[ownerID]
	out := make([]models.ChannelEndpoint, len(eps))
	copy(out, eps)
	return out, nil
}

var _ ChannelRegistry = (*StaticRegistry)(nil)
