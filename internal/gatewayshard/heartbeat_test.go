package gatewayshard

import (
	"testing"
	"time"

	"github.com/shardwire/shardwire/gateway"
	"github.com/shardwire/shardwire/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendHeartbeatIncludesCurrentSequence(t *testing.T) {
	t.Parallel()

	sh := newTestShard()
	sh.sequence.Store(7)

	sh.sendHeartbeat(nil)

	payload, ok := sh.q.PopFront()
	require.True(t, ok)

	var sent gateway.Payload
	require.NoError(t, wire.Unmarshal(payload, &sent))
	assert.Equal(t, gateway.OpHeartbeat, sent.Op)

	seq := string(sent.Data)
	assert.Equal(t, "7", seq)
}

func TestSendHeartbeatOmitsSequenceWhenZero(t *testing.T) {
	t.Parallel()

	sh := newTestShard()

	sh.sendHeartbeat(nil)

	payload, ok := sh.q.PopFront()
	require.True(t, ok)

	var sent gateway.Payload
	require.NoError(t, wire.Unmarshal(payload, &sent))
	assert.JSONEq(t, `{"op":1,"d":null}`, string(payload))
}

func TestHeartbeatMissedWithinGrace(t *testing.T) {
	t.Parallel()

	sh := newTestShard()
	sh.heartbeatIntervalMs.Store(1000)

	now := float64(time.Now().UnixNano()) / 1e9
	sh.lastHeartbeatSent.Store(now)
	sh.lastHeartbeatAck.Store(now - 0.5)

	assert.False(t, sh.heartbeatMissed())
}

func TestHeartbeatMissedPastGrace(t *testing.T) {
	t.Parallel()

	sh := newTestShard()
	sh.heartbeatIntervalMs.Store(1000)

	now := float64(time.Now().UnixNano()) / 1e9
	sh.lastHeartbeatSent.Store(now)
	sh.lastHeartbeatAck.Store(now - 2.0)

	assert.True(t, sh.heartbeatMissed())
}
