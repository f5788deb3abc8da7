package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inkwell-cms/apiserver/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSafeDeleteRunsOnCancelledContext(t *testing.T) {
	objects := newFakeObjects("photos/a")
	c := NewCompensator(objects, nil, zerolog.Nop(), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.True(t, c.SafeDelete(ctx, types.KindPhoto, "photos/a", ReasonPersistFailed))
	require.False(t, objects.has("photos/a"))
}

func TestSafeDeleteSwallowsFailures(t *testing.T) {
	objects := newFakeObjects("photos/a")
	objects.deleteErr = errors.New("storage unavailable")
	publisher := &fakePublisher{err: errors.New("broker down")}
	c := NewCompensator(objects, publisher, zerolog.Nop(), time.Second)

	require.False(t, c.SafeDelete(context.Background(), types.KindPhoto, "photos/a", ReasonReplaced))
	require.Equal(t, []string{ChannelCleanupFailed}, publisher.channels)
	require.True(t, objects.has("photos/a"))
}

func TestSafeDeleteEmptyKey(t *testing.T) {
	objects := newFakeObjects()
	c := NewCompensator(objects, nil, zerolog.Nop(), 0)

	require.True(t, c.SafeDelete(context.Background(), types.KindVideo, "", ReasonDeleted))
	require.Empty(t, objects.deleted())
	require.Equal(t, defaultCleanupTimeout, c.timeout)
}
