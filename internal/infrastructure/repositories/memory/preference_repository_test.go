package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreferenceRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewPreferenceRepository()

	_, ok, err := repo.LoadPinned(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.SavePinned(ctx, "org.mpris.MediaPlayer2.vlc"))
	id, ok, err := repo.LoadPinned(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "org.mpris.MediaPlayer2.vlc", string(id))

	require.NoError(t, repo.ClearPinned(ctx))
	_, ok, _ = repo.LoadPinned(ctx)
	assert.False(t, ok)
}
