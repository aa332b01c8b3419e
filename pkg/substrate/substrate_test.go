package substrate

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return FromClient(rdb), mr
}

func TestNewPingsAndFails(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := New(ctx, DefaultOptions(mr.Addr()))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Ping(ctx))

	mr.Close()
	require.Error(t, c.Ping(ctx))
}

func TestNewFailsOnUnreachableAddr(t *testing.T) {
	_, err := New(context.Background(), DefaultOptions("127.0.0.1:0"))
	require.Error(t, err)
}

func TestRawAccessor(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	require.NotNil(t, c.Raw())
}
