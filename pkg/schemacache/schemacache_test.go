// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package schemacache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts ...Option) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewWithClient(client, opts...)
	t.Cleanup(func() { _ = cache.Close() })
	return cache, mr
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	cache, _ := newTestCache(t)
	ctx := context.Background()

	entry := Entry{
		Description: "Fetch a GitHub issue",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"number":{"type":"integer"}}}`),
	}
	require.NoError(t, cache.Put(ctx, "srv-1", "get_issue", entry))

	got, err := cache.Get(ctx, "srv-1", "get_issue")
	require.NoError(t, err)
	assert.Equal(t, entry.Description, got.Description)
	assert.JSONEq(t, string(entry.InputSchema), string(got.InputSchema))
	assert.False(t, got.CachedAt.IsZero())
}

func TestGetMiss(t *testing.T) {
	t.Parallel()
	cache, _ := newTestCache(t)

	_, err := cache.Get(context.Background(), "srv-1", "nope")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestInvalidateSingleEntry(t *testing.T) {
	t.Parallel()
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "srv-1", "get_issue", Entry{Description: "a"}))
	require.NoError(t, cache.Invalidate(ctx, "srv-1", "get_issue"))

	_, err := cache.Get(ctx, "srv-1", "get_issue")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestInvalidateServerDropsAllEntries(t *testing.T) {
	t.Parallel()
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "srv-1", "get_issue", Entry{Description: "a"}))
	require.NoError(t, cache.Put(ctx, "srv-1", "list_prs", Entry{Description: "b"}))
	require.NoError(t, cache.Put(ctx, "srv-2", "send_mail", Entry{Description: "c"}))

	require.NoError(t, cache.InvalidateServer(ctx, "srv-1"))

	_, err := cache.Get(ctx, "srv-1", "get_issue")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = cache.Get(ctx, "srv-1", "list_prs")
	assert.ErrorIs(t, err, ErrMiss)

	// Other servers are untouched.
	got, err := cache.Get(ctx, "srv-2", "send_mail")
	require.NoError(t, err)
	assert.Equal(t, "c", got.Description)
}

func TestEntriesExpire(t *testing.T) {
	t.Parallel()
	cache, mr := newTestCache(t, WithTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "srv-1", "get_issue", Entry{Description: "a"}))

	mr.FastForward(2 * time.Minute)

	_, err := cache.Get(ctx, "srv-1", "get_issue")
	assert.ErrorIs(t, err, ErrMiss)
}
