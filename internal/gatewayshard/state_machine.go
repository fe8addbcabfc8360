package gatewayshard

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/shardwire/shardwire/gateway"
	"github.com/shardwire/shardwire/internal/wsframe"
	"github.com/shardwire/shardwire/wire"
	"golang.org/x/xerrors"
)

// handleMessage decodes one reassembled WebSocket message into a
// gateway.Payload and drives the protocol state machine. Every binary
// message is treated as zlib-stream data and run through the inflater
// first; text messages are JSON directly.
func (sh *Shard) handleMessage(ctx context.Context, msg wsframe.Message) error {
	body := msg.Payload

	if msg.Opcode == wsframe.OpcodeBinary {
		if !hasFlushSuffix(body) {
			sh.logWarn("binary message missing zlib-stream flush suffix", nil)
		}

		inflated, err := sh.inflate.Inflate(body)
		if err != nil {
			sh.logWarn("zlib inflate failed", map[string]any{"error": err.Error(), "consecutive_failures": sh.inflate.ConsecutiveFailures()})

			if sh.inflate.ConsecutiveFailures() >= 3 {
				sh.inflate.Reset()
				return xerrors.Errorf("gatewayshard: zlib context unrecoverable after repeated failures: %w", err)
			}

			return nil
		}
		body = inflated
	}

	if len(body) == 0 {
		return nil
	}

	var payload gateway.Payload
	if err := wire.Unmarshal(body, &payload); err != nil {
		sh.logWarn("malformed gateway payload", map[string]any{"error": err.Error()})
		return nil
	}

	return sh.handlePayload(ctx, payload)
}

func (sh *Shard) handlePayload(ctx context.Context, payload gateway.Payload) error {
	if payload.Sequence > 0 {
		for {
			current := sh.sequence.Load()
			if payload.Sequence <= current {
				break
			}
			if sh.sequence.CompareAndSwap(current, payload.Sequence) {
				break
			}
		}
	}

	switch payload.Op {
	case gateway.OpHello:
		return sh.handleHello(ctx, payload)
	case gateway.OpHeartbeatACK:
		sh.lastHeartbeatAck.Store(sh.clockNow())
		return nil
	case gateway.OpReconnect:
		return xerrors.New("gatewayshard: server requested reconnect")
	case gateway.OpInvalidSession:
		return sh.handleInvalidSession(ctx, payload)
	case gateway.OpDispatch:
		return sh.handleDispatch(ctx, payload)
	default:
		sh.logDebug("unhandled gateway opcode", map[string]any{"op": payload.Op})
		return nil
	}
}

func (sh *Shard) handleHello(ctx context.Context, payload gateway.Payload) error {
	var hello gateway.Hello
	if err := wire.Unmarshal(payload.Data, &hello); err != nil {
		return xerrors.Errorf("gatewayshard: decoding hello: %w", err)
	}

	sh.heartbeatIntervalMs.Store(hello.HeartbeatIntervalMs)

	heartbeatCtx, cancel := context.WithCancel(ctx)
	sh.heartbeatCancel = cancel
	sh.startHeartbeat(heartbeatCtx, hello.HeartbeatIntervalMs)

	if sh.sessionID.Load() != "" && sh.sequence.Load() > 0 {
		sh.setState(StateResuming)
		return sh.sendResume()
	}

	sh.setState(StateIdentifying)
	return sh.sendIdentify()
}

func (sh *Shard) sendIdentify() error {
	return sh.sendBack(gateway.SentPayload{
		Op: gateway.OpIdentify,
		Data: gateway.Identify{
			Token: sh.cfg.Token,
			Properties: sh.cfg.Properties,
			Compress: false,
			LargeThreshold: sh.largeThreshold(),
			Shard: [2]int32{sh.cfg.ShardID, sh.cfg.ShardCount},
			Intents: sh.cfg.Intents,
		},
	})
}

func (sh *Shard) largeThreshold() int {
	if sh.cfg.LargeThreshold > 0 {
		return sh.cfg.LargeThreshold
	}
	return 250
}

func (sh *Shard) sendResume() error {
	return sh.sendBack(gateway.SentPayload{
		Op: gateway.OpResume,
		Data: gateway.Resume{
			Token: sh.cfg.Token,
			SessionID: sh.sessionID.Load(),
			Sequence: sh.sequence.Load(),
		},
	})
}

// handleInvalidSession handles an invalid-session notice, which can
// arrive in any state: wait jittered 1-5 seconds, then either resume
// (if resumable) or clear session state and re-identify.
func (sh *Shard) handleInvalidSession(ctx context.Context, payload gateway.Payload) error {
	resumable := strings.TrimSpace(string(payload.Data)) == "true"

	delay := time.Duration(1000+rand.Intn(4000)) * time.Millisecond

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	if resumable {
		sh.setState(StateResuming)
		return sh.sendResume()
	}

	sh.sessionID.Store("")
	sh.sequence.Store(0)
	sh.setState(StateIdentifying)

	return sh.sendIdentify()
}

func (sh *Shard) handleDispatch(ctx context.Context, payload gateway.Payload) error {
	switch payload.Type {
	case "READY":
		return sh.handleReady(ctx, payload)
	case "RESUMED":
		return sh.handleResumed(ctx, payload)
	case "VOICE_STATE_UPDATE":
		sh.forwardVoiceState(payload.Data)
	case "VOICE_SERVER_UPDATE":
		sh.forwardVoiceServer(payload.Data)
	}

	sh.dispatch(ctx, payload.Type, payload.Data)

	return nil
}

func (sh *Shard) handleReady(ctx context.Context, payload gateway.Payload) error {
	var ready gateway.Ready
	if err := wire.Unmarshal(payload.Data, &ready); err != nil {
		return xerrors.Errorf("gatewayshard: decoding ready: %w", err)
	}

	sh.sessionID.Store(ready.SessionID)
	sh.resumeGatewayURL.Store(stripQuery(ready.ResumeGatewayURL))
	sh.ready.Store(true)
	sh.setState(StateRunning)
	sh.markReady()

	sh.dispatch(ctx, payload.Type, payload.Data)

	return nil
}

func (sh *Shard) handleResumed(ctx context.Context, payload gateway.Payload) error {
	sh.resumes.Add(1)
	sh.ready.Store(true)
	sh.setState(StateRunning)
	sh.markReady()

	sh.dispatch(ctx, payload.Type, payload.Data)

	return nil
}

func stripQuery(rawURL string) string {
	if idx := strings.Index(rawURL, "?"); idx >= 0 {
		return rawURL[:idx]
	}
	return rawURL
}
