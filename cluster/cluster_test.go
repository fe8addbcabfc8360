package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/shardwire/shardwire/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithNoShardsReturnsError(t *testing.T) {
	t.Parallel()

	c := cluster.New(cluster.Config{}, cluster.NewRegistry(), nil, nil, nil)

	err := c.Open(context.Background())
	require.ErrorIs(t, err, cluster.ErrNoShards)
	assert.Equal(t, cluster.StatusIdle, c.Status())
}

func TestOpenFailsReadinessWithinDeadline(t *testing.T) {
	t.Parallel()

	c := cluster.New(cluster.Config{
		ShardIDs: []int32{0},
		ShardCount: 1,
		GatewayURL: "wss://127.0.0.1:9",
	}, cluster.NewRegistry(), nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := c.Open(ctx)
	require.Error(t, err)
	assert.Equal(t, cluster.StatusErroring, c.Status())

	c.Close()
	assert.Equal(t, cluster.StatusClosed, c.Status())
}

func TestShardReturnsNilBeforeOpen(t *testing.T) {
	t.Parallel()

	c := cluster.New(cluster.Config{ShardIDs: []int32{0, 1}}, cluster.NewRegistry(), nil, nil, nil)

	assert.Nil(t, c.Shard(0))
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "idle", cluster.StatusIdle.String())
	assert.Equal(t, "connecting", cluster.StatusConnecting.String())
	assert.Equal(t, "connected", cluster.StatusConnected.String())
	assert.Equal(t, "closing", cluster.StatusClosing.String())
	assert.Equal(t, "closed", cluster.StatusClosed.String())
	assert.Equal(t, "erroring", cluster.StatusErroring.String())
}
