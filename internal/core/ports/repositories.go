package ports

import (
	"context"

	"mprisctl/internal/core/domain"
)

// PreferenceRepository persists the consumer's pinned peer across restarts.
type PreferenceRepository interface {
	LoadPinned(ctx context.Context) (domain.PeerID, bool, error)
	SavePinned(ctx context.Context, id domain.PeerID) error
	ClearPinned(ctx context.Context) error
}
