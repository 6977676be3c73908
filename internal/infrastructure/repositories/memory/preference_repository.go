package memory

import (
	"context"
	"sync"

	"mprisctl/internal/core/domain"
	"mprisctl/internal/core/ports"
)

// PreferenceRepository keeps the pinned peer for the lifetime of the process.
type PreferenceRepository struct {
	mu     sync.RWMutex
	pinned domain.PeerID
	set    bool
}

func NewPreferenceRepository() ports.PreferenceRepository {
	return &PreferenceRepository{}
}

func (r *PreferenceRepository) LoadPinned(ctx context.Context) (domain.PeerID, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pinned, r.set, nil
}

func (r *PreferenceRepository) SavePinned(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinned, r.set = id, true
	return nil
}

func (r *PreferenceRepository) ClearPinned(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinned, r.set = "", false
	return nil
}
