package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(client)
}

func TestScalarGetSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	type payload struct {
		A string
		B int
	}
	in := payload{A: "x", B: 7}
	require.NoError(t, Set(ctx, s, "k1", in, 0))

	out, err := Get[payload](ctx, s, "k1")
	require.NoError(t, err)
	assert.Equal(t, in, out)

	exists, err := s.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete(ctx, "k1"))
	_, err = Get[payload](ctx, s, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScalarTTLExpires(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	require.NoError(t, Set(ctx, s, "ttl-key", "v", 50*time.Millisecond))

	exists, err := s.Exists(ctx, "ttl-key")
	require.NoError(t, err)
	assert.True(t, exists)

	mr.FastForward(75 * time.Millisecond)
	exists, err = s.Exists(ctx, "ttl-key")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDeleteByPattern(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, Set(ctx, s, "workflow:1", "a", 0))
	require.NoError(t, Set(ctx, s, "workflow:2", "b", 0))
	require.NoError(t, Set(ctx, s, "other:1", "c", 0))

	n, err := s.DeleteByPattern(ctx, "workflow:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	exists, err := s.Exists(ctx, "other:1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBatchGetSetMany(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	values := map[string]int{"n1": 1, "n2": 2, "n3": 3}
	require.NoError(t, SetMany(ctx, s, values, 0))

	got, err := GetMany[int](ctx, s, []string{"n1", "n2", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"n1": 1, "n2": 2}, got)
}

func TestHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.HSet(ctx, "h1", "f1", "v1"))
	require.NoError(t, s.HSet(ctx, "h1", "f2", "v2"))

	var out string
	require.NoError(t, s.HGet(ctx, "h1", "f1", &out))
	assert.Equal(t, "v1", out)

	all, err := s.HGetAll(ctx, "h1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.HDelete(ctx, "h1", "f1"))
	all, err = s.HGetAll(ctx, "h1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.RPush(ctx, "l1", "a"))
	require.NoError(t, s.RPush(ctx, "l1", "b"))
	require.NoError(t, s.LPush(ctx, "l1", "z"))

	n, err := s.LLen(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	var first string
	require.NoError(t, s.LPop(ctx, "l1", &first))
	assert.Equal(t, "z", first)

	var last string
	require.NoError(t, s.RPop(ctx, "l1", &last))
	assert.Equal(t, "b", last)
}

func TestSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SAdd(ctx, "s1", "m1"))
	ok, err := s.SContains(ctx, "s1", "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.SRem(ctx, "s1", "m1"))
	ok, err = s.SContains(ctx, "s1", "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeaseMutualExclusion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := s.AcquireLease(ctx, "workflow:1", "engine-a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second engine contending for the same workflow must not acquire it.
	ok, err = s.AcquireLease(ctx, "workflow:1", "engine-b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// engine-b cannot renew or release a lease it does not own.
	renewed, err := s.RenewLease(ctx, "workflow:1", "engine-b", time.Second)
	require.NoError(t, err)
	assert.False(t, renewed)
	require.NoError(t, s.ReleaseLease(ctx, "workflow:1", "engine-b"))

	renewed, err = s.RenewLease(ctx, "workflow:1", "engine-a", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, renewed)

	require.NoError(t, s.ReleaseLease(ctx, "workflow:1", "engine-a"))
	ok, err = s.AcquireLease(ctx, "workflow:1", "engine-b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
