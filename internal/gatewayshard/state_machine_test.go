package gatewayshard

import (
	"context"
	"testing"
	"time"

	"github.com/shardwire/shardwire/gateway"
	"github.com/shardwire/shardwire/internal/wsframe"
	"github.com/shardwire/shardwire/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShard() *Shard {
	return New(Config{
		Token: "test-token",
		GatewayURL: "wss://gateway.example.test",
	}, NewRegistry(), nil, nil, nil)
}

func messageFor(t *testing.T, payload gateway.SentPayload) wsframe.Message {
	t.Helper()

	encoded, err := wire.Marshal(payload)
	require.NoError(t, err)

	return wsframe.Message{Opcode: wsframe.OpcodeText, Payload: encoded}
}

func TestHappyPathIdentify(t *testing.T) {
	t.Parallel()

	sh := newTestShard()
	ctx := context.Background()

	hello := messageFor(t, gateway.SentPayload{Op: gateway.OpHello, Data: gateway.Hello{HeartbeatIntervalMs: 41250}})
	require.NoError(t, sh.handleMessage(ctx, hello))
	assert.Equal(t, StateIdentifying, sh.State())

	identifyPayload, ok := sh.q.PopFront()
	require.True(t, ok)
	var sent gateway.Payload
	require.NoError(t, wire.Unmarshal(identifyPayload, &sent))
	assert.Equal(t, gateway.OpIdentify, sent.Op)

	sh.heartbeatCancel()
	sh.heartbeatWG.Wait()

	ready := wsframe.Message{
		Opcode: wsframe.OpcodeText,
		Payload: []byte(`{"op":0,"t":"READY","s":1,"d":{"session_id":"abc123","resume_gateway_url":"wss://resume.example.test/?v=10"}}`),
	}

	require.NoError(t, sh.handleMessage(ctx, ready))

	assert.True(t, sh.Ready())
	assert.Equal(t, StateRunning, sh.State())
	assert.Equal(t, int64(1), sh.sequence.Load())
	assert.Equal(t, "abc123", sh.sessionID.Load())
	assert.Equal(t, "wss://resume.example.test/", sh.resumeGatewayURL.Load())

	select {
	case <-sh.readyOnce:
	default:
		t.Fatal("expected readyOnce to be closed")
	}
}

func TestHeartbeatAckTracksClock(t *testing.T) {
	t.Parallel()

	sh := newTestShard()
	ctx := context.Background()

	ack := messageFor(t, gateway.SentPayload{Op: gateway.OpHeartbeatACK})
	require.NoError(t, sh.handleMessage(ctx, ack))

	assert.Greater(t, sh.lastHeartbeatAck.Load(), 0.0)
}

func TestInvalidSessionResumableSendsResume(t *testing.T) {
	t.Parallel()

	sh := newTestShard()
	sh.sessionID.Store("existing-session")
	sh.sequence.Store(5)

	ctx := context.Background()

	invalidSession := wsframe.Message{Opcode: wsframe.OpcodeText, Payload: []byte(`{"op":9,"d":true}`)}

	start := time.Now()
	require.NoError(t, sh.handleMessage(ctx, invalidSession))
	assert.GreaterOrEqual(t, time.Since(start), time.Second)

	assert.Equal(t, StateResuming, sh.State())
	assert.Equal(t, "existing-session", sh.sessionID.Load())

	payload, ok := sh.q.PopFront()
	require.True(t, ok)
	var sent gateway.Payload
	require.NoError(t, wire.Unmarshal(payload, &sent))
	assert.Equal(t, gateway.OpResume, sent.Op)
}

func TestInvalidSessionNonResumableClearsSessionAndReidentifies(t *testing.T) {
	t.Parallel()

	sh := newTestShard()
	sh.sessionID.Store("existing-session")
	sh.sequence.Store(5)

	ctx := context.Background()

	invalidSession := wsframe.Message{Opcode: wsframe.OpcodeText, Payload: []byte(`{"op":9,"d":false}`)}

	start := time.Now()
	require.NoError(t, sh.handleMessage(ctx, invalidSession))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.LessOrEqual(t, elapsed, 6*time.Second)

	assert.Equal(t, StateIdentifying, sh.State())
	assert.Equal(t, "", sh.sessionID.Load())
	assert.Equal(t, int64(0), sh.sequence.Load())

	payload, ok := sh.q.PopFront()
	require.True(t, ok)
	var sent gateway.Payload
	require.NoError(t, wire.Unmarshal(payload, &sent))
	assert.Equal(t, gateway.OpIdentify, sent.Op)
}

func TestResumedDispatchMarksReady(t *testing.T) {
	t.Parallel()

	sh := newTestShard()
	ctx := context.Background()

	resumed := wsframe.Message{Opcode: wsframe.OpcodeText, Payload: []byte(`{"op":0,"t":"RESUMED","d":{}}`)}
	require.NoError(t, sh.handleMessage(ctx, resumed))

	assert.True(t, sh.Ready())
	assert.Equal(t, StateRunning, sh.State())
	assert.Equal(t, int32(1), sh.Resumes())
}

func TestDispatchRoutesVoiceStateUpdate(t *testing.T) {
	t.Parallel()

	sh := newTestShard()
	router := &fakeVoiceRouter{}
	sh.SetVoiceRouter(router)

	ctx := context.Background()

	msg := wsframe.Message{Opcode: wsframe.OpcodeText, Payload: []byte(`{"op":0,"t":"VOICE_STATE_UPDATE","d":{"guild_id":"g1","user_id":"u1","session_id":"s1"}}`)}
	require.NoError(t, sh.handleMessage(ctx, msg))

	require.Len(t, router.stateUpdates, 1)
	assert.Equal(t, [3]string{"g1", "u1", "s1"}, router.stateUpdates[0])
}

func TestDispatchRoutesVoiceServerUpdate(t *testing.T) {
	t.Parallel()

	sh := newTestShard()
	router := &fakeVoiceRouter{}
	sh.SetVoiceRouter(router)

	ctx := context.Background()

	msg := wsframe.Message{Opcode: wsframe.OpcodeText, Payload: []byte(`{"op":0,"t":"VOICE_SERVER_UPDATE","d":{"guild_id":"g1","token":"tok","endpoint":"voice.example.test:443"}}`)}
	require.NoError(t, sh.handleMessage(ctx, msg))

	require.Len(t, router.serverUpdates, 1)
	assert.Equal(t, [3]string{"g1", "tok", "voice.example.test:443"}, router.serverUpdates[0])
}

type fakeVoiceRouter struct {
	stateUpdates [][3]string
	serverUpdates [][3]string
}

func (f *fakeVoiceRouter) RouteVoiceStateUpdate(guildID, userID, sessionID string) {
	f.stateUpdates = append(f.stateUpdates, [3]string{guildID, userID, sessionID})
}

func (f *fakeVoiceRouter) RouteVoiceServerUpdate(guildID, token, endpoint string) {
	f.serverUpdates = append(f.serverUpdates, [3]string{guildID, token, endpoint})
}
