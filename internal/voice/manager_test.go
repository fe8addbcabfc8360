package voice

import (
	"context"
	"sync"
	"testing"

	"github.com/shardwire/shardwire/gateway"
	"github.com/shardwire/shardwire/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeShard struct {
	mu sync.Mutex
	sent [][]byte
	front []bool
}

func (f *fakeShard) QueueMessage(payload []byte, toFront bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	f.front = append(f.front, toFront)
}

func (f *fakeShard) ShardID() int32 { return 0 }

func (f *fakeShard) lastPayload(t *testing.T) gateway.Payload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)

	var p gateway.Payload
	require.NoError(t, wire.Unmarshal(f.sent[len(f.sent)-1], &p))
	return p
}

func TestConnectVoiceQueuesVoiceStateUpdateToFront(t *testing.T) {
	t.Parallel()

	shard := &fakeShard{}
	mgr := NewManager(shard, "bot-user", nil, nil)

	_, err := mgr.ConnectVoice(context.Background(), "guild1", "channel1")
	require.NoError(t, err)

	require.Len(t, shard.sent, 1)
	assert.True(t, shard.front[0])

	payload := shard.lastPayload(t)
	assert.Equal(t, gateway.OpVoiceStateUpdate, payload.Op)
}

func TestConnectVoiceRejectsDuplicateGuild(t *testing.T) {
	t.Parallel()

	shard := &fakeShard{}
	mgr := NewManager(shard, "bot-user", nil, nil)

	_, err := mgr.ConnectVoice(context.Background(), "guild1", "channel1")
	require.NoError(t, err)

	_, err = mgr.ConnectVoice(context.Background(), "guild1", "channel2")
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestReadinessAggregationOrderIndependent_StateThenServer(t *testing.T) {
	t.Parallel()

	shard := &fakeShard{}
	mgr := NewManager(shard, "bot-user", nil, nil)

	_, err := mgr.ConnectVoice(context.Background(), "guild1", "channel1")
	require.NoError(t, err)

	mgr.RouteVoiceStateUpdate("guild1", "bot-user", "session-abc")
	mgr.RouteVoiceServerUpdate("guild1", "token-xyz", "voice.example.test:443")

	vc, ok := mgr.GetVoice("guild1")
	require.True(t, ok)

	vc.mu.Lock()
	defer vc.mu.Unlock()
	assert.NotNil(t, vc.client)
}

func TestReadinessAggregationOrderIndependent_ServerThenState(t *testing.T) {
	t.Parallel()

	shard := &fakeShard{}
	mgr := NewManager(shard, "bot-user", nil, nil)

	_, err := mgr.ConnectVoice(context.Background(), "guild1", "channel1")
	require.NoError(t, err)

	mgr.RouteVoiceServerUpdate("guild1", "token-xyz", "voice.example.test:443")
	mgr.RouteVoiceStateUpdate("guild1", "bot-user", "session-abc")

	vc, ok := mgr.GetVoice("guild1")
	require.True(t, ok)

	vc.mu.Lock()
	defer vc.mu.Unlock()
	assert.NotNil(t, vc.client)
}

func TestRouteVoiceStateUpdateIgnoresOtherUsers(t *testing.T) {
	t.Parallel()

	shard := &fakeShard{}
	mgr := NewManager(shard, "bot-user", nil, nil)

	_, err := mgr.ConnectVoice(context.Background(), "guild1", "channel1")
	require.NoError(t, err)

	mgr.RouteVoiceStateUpdate("guild1", "someone-else", "session-abc")

	vc, ok := mgr.GetVoice("guild1")
	require.True(t, ok)

	vc.mu.Lock()
	defer vc.mu.Unlock()
	assert.Equal(t, "", vc.sessionID)
}

func TestExpireReadinessTearsDownUnreadyConnection(t *testing.T) {
	t.Parallel()

	shard := &fakeShard{}

	var events []Event
	var mu sync.Mutex
	mgr := NewManager(shard, "bot-user", nil, func(evt Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, evt)
	})

	_, err := mgr.ConnectVoice(context.Background(), "guild1", "channel1")
	require.NoError(t, err)

	mgr.expireReadiness("guild1")

	_, ok := mgr.GetVoice("guild1")
	assert.False(t, ok)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, "voice_ready_timeout", events[0].Name)
}

func TestExpireReadinessNoOpOnceReady(t *testing.T) {
	t.Parallel()

	shard := &fakeShard{}
	mgr := NewManager(shard, "bot-user", nil, nil)

	_, err := mgr.ConnectVoice(context.Background(), "guild1", "channel1")
	require.NoError(t, err)

	mgr.RouteVoiceStateUpdate("guild1", "bot-user", "session-abc")
	mgr.RouteVoiceServerUpdate("guild1", "token-xyz", "voice.example.test:443")

	mgr.expireReadiness("guild1")

	_, ok := mgr.GetVoice("guild1")
	assert.True(t, ok, "an already-ready connection must survive an expiry race")
}

func TestDisconnectVoiceRemovesConnAndSendsLeave(t *testing.T) {
	t.Parallel()

	shard := &fakeShard{}
	mgr := NewManager(shard, "bot-user", nil, nil)

	_, err := mgr.ConnectVoice(context.Background(), "guild1", "channel1")
	require.NoError(t, err)

	require.NoError(t, mgr.DisconnectVoice("guild1"))

	_, ok := mgr.GetVoice("guild1")
	assert.False(t, ok)

	payload := shard.lastPayload(t)
	assert.Equal(t, gateway.OpVoiceStateUpdate, payload.Op)
}

func TestDisconnectVoiceUnknownGuild(t *testing.T) {
	t.Parallel()

	shard := &fakeShard{}
	mgr := NewManager(shard, "bot-user", nil, nil)

	err := mgr.DisconnectVoice("no-such-guild")
	assert.ErrorIs(t, err, ErrNotConnected)
}
