package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subflowhq/subflow/pkg/idempotency"
)

func TestMemoryGuard(t *testing.T) {
	t.Parallel()

	t.Run("first claim wins, second is duplicate", func(t *testing.T) {
		t.Parallel()
		guard := idempotency.NewMemoryGuard(time.Minute)
		ctx := context.Background()

		claimed, err := guard.MarkProcessing(ctx, "evt_1")
		require.NoError(t, err)
		assert.True(t, claimed)

		claimed, err = guard.MarkProcessing(ctx, "evt_1")
		require.NoError(t, err)
		assert.False(t, claimed)

		dup, err := guard.IsDuplicate(ctx, "evt_1")
		require.NoError(t, err)
		assert.True(t, dup)
	})

	t.Run("distinct events are independent", func(t *testing.T) {
		t.Parallel()
		guard := idempotency.NewMemoryGuard(time.Minute)
		ctx := context.Background()

		for _, id := range []string{"evt_a", "evt_b", "evt_c"} {
			claimed, err := guard.MarkProcessing(ctx, id)
			require.NoError(t, err)
			assert.True(t, claimed)
		}
		assert.Equal(t, 3, guard.Len())
	})

	t.Run("release frees the claim for redelivery", func(t *testing.T) {
		t.Parallel()
		guard := idempotency.NewMemoryGuard(time.Minute)
		ctx := context.Background()

		claimed, err := guard.MarkProcessing(ctx, "evt_fail")
		require.NoError(t, err)
		require.True(t, claimed)

		require.NoError(t, guard.Release(ctx, "evt_fail"))

		claimed, err = guard.MarkProcessing(ctx, "evt_fail")
		require.NoError(t, err)
		assert.True(t, claimed, "released event can be claimed again")
	})

	t.Run("claim expires after the ttl window", func(t *testing.T) {
		t.Parallel()
		guard := idempotency.NewMemoryGuard(20 * time.Millisecond)
		ctx := context.Background()

		claimed, err := guard.MarkProcessing(ctx, "evt_ttl")
		require.NoError(t, err)
		require.True(t, claimed)

		time.Sleep(40 * time.Millisecond)

		dup, err := guard.IsDuplicate(ctx, "evt_ttl")
		require.NoError(t, err)
		assert.False(t, dup)

		claimed, err = guard.MarkProcessing(ctx, "evt_ttl")
		require.NoError(t, err)
		assert.True(t, claimed)
	})

	t.Run("empty event id is rejected", func(t *testing.T) {
		t.Parallel()
		guard := idempotency.NewMemoryGuard(time.Minute)
		ctx := context.Background()

		_, err := guard.MarkProcessing(ctx, "")
		assert.ErrorIs(t, err, idempotency.ErrInvalidEventID)
		_, err = guard.IsDuplicate(ctx, "")
		assert.ErrorIs(t, err, idempotency.ErrInvalidEventID)
		assert.ErrorIs(t, guard.Release(ctx, ""), idempotency.ErrInvalidEventID)
	})
}
