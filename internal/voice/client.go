package voice

import (
	"context"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/shardwire/shardwire/gateway"
	"github.com/shardwire/shardwire/internal/stream"
	"github.com/shardwire/shardwire/internal/wsframe"
	"github.com/shardwire/shardwire/wire"
	"go.uber.org/atomic"
	"golang.org/x/xerrors"
)

// Config carries the per-connection parameters a voice Client needs
// to identify once its signalling socket is open.
type Config struct {
	Endpoint string
	ServerID string
	UserID string
	SessionID string
	Token string
}

// Client is the voice gateway signalling connection: its own
// WebSocket, its own hello/identify/heartbeat state machine, built on
// the same internal/wsframe and internal/stream layers the gateway
// shard uses, and run on its own goroutine independent of the shard's.
type Client struct {
	cfg Config
	emit EventSink

	strm *stream.Stream

	heartbeatIntervalMs atomic.Float64
	lastHeartbeatSent atomic.Int64
	lastHeartbeatAck atomic.Int64
	ssrc atomic.Uint32

	heartbeatCancel context.CancelFunc
	heartbeatWG sync.WaitGroup

	cancelMu sync.Mutex
	cancel context.CancelFunc

	closeOnce sync.Once
}

// NewClient constructs a voice signalling client. It does not connect
// until Run is called.
func NewClient(cfg Config, emit EventSink) *Client {
	return &Client{cfg: cfg, emit: emit}
}

// Run dials the voice gateway endpoint and drives the signalling
// state machine until ctx is cancelled or the connection closes.
func (c *Client) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()
	defer cancel()

	host, path := c.dialTarget()

	strm, err := stream.Dial(runCtx, stream.Config{Host: host, Port: "443"})
	if err != nil {
		return xerrors.Errorf("voice: dial: %w", err)
	}
	c.strm = strm
	defer strm.Close()

	if err := wsframe.Handshake(strm.Reader(), strm.Conn(), host, path, nil); err != nil {
		return xerrors.Errorf("voice: handshake: %w", err)
	}

	assembler := &wsframe.Assembler{}

	strm.SetHandler(func(buf []byte) (int, error) {
		return c.handleBuffer(runCtx, strm, assembler, buf)
	})

	defer func() {
		if c.heartbeatCancel != nil {
			c.heartbeatCancel()
			c.heartbeatWG.Wait()
		}
	}()

	return strm.ReadLoop(runCtx)
}

// Close tears down the connection this client owns.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancelMu.Lock()
		cancel := c.cancel
		c.cancelMu.Unlock()

		if cancel != nil {
			cancel()
		}
	})
}

func (c *Client) dialTarget() (host, path string) {
	u := &url.URL{Host: c.cfg.Endpoint}
	host = u.Host
	path = "/?v=8"
	return host, path
}

func (c *Client) handleBuffer(ctx context.Context, strm *stream.Stream, assembler *wsframe.Assembler, buf []byte) (int, error) {
	total := 0

	for {
		frame, n, ok, err := wsframe.TryDecodeFrame(buf[total:])
		if err != nil {
			return total, err
		}
		if !ok {
			break
		}
		total += n

		outcome, err := assembler.Feed(frame)
		if err != nil {
			var closeErr *wsframe.CloseError
			if xerrors.As(err, &closeErr) {
				return total, xerrors.Errorf("voice: connection closed, code=%d", closeErr.Code)
			}
			return total, err
		}

		if outcome.Reply != nil {
			encoded, encErr := wsframe.EncodeFrameBytes(outcome.Reply.Opcode, outcome.Reply.Payload)
			if encErr != nil {
				return total, encErr
			}
			strm.Write(encoded)
		}

		if outcome.Message != nil {
			if err := c.handleMessage(ctx, *outcome.Message); err != nil {
				return total, err
			}
		}
	}

	return total, nil
}

func (c *Client) handleMessage(ctx context.Context, msg wsframe.Message) error {
	var payload gateway.VoicePayload
	if err := wire.Unmarshal(msg.Payload, &payload); err != nil {
		return nil
	}

	switch payload.Op {
	case gateway.VoiceOpHello:
		return c.handleHello(ctx, payload)
	case gateway.VoiceOpReady:
		return c.handleReady(payload)
	case gateway.VoiceOpSessionDescription:
		return c.handleSessionDescription(payload)
	case gateway.VoiceOpHeartbeatACK:
		c.lastHeartbeatAck.Store(nowMillis())
	case gateway.VoiceOpSpeaking:
		c.handleSpeaking(payload)
	case gateway.VoiceOpClientDisconnect:
		c.handleClientDisconnect(payload)
	case gateway.VoiceOpResumed:
		c.emitEvent("voice_resumed", nil)
	}

	return nil
}

func (c *Client) handleHello(ctx context.Context, payload gateway.VoicePayload) error {
	var hello gateway.VoiceHello
	if err := wire.Unmarshal(payload.Data, &hello); err != nil {
		return xerrors.Errorf("voice: decoding hello: %w", err)
	}

	c.heartbeatIntervalMs.Store(hello.HeartbeatIntervalMs)

	heartbeatCtx, cancel := context.WithCancel(ctx)
	c.heartbeatCancel = cancel
	c.startHeartbeat(heartbeatCtx)

	return c.send(gateway.VoiceOpIdentify, gateway.VoiceIdentify{
		ServerID: c.cfg.ServerID,
		UserID: c.cfg.UserID,
		SessionID: c.cfg.SessionID,
		Token: c.cfg.Token,
	})
}

func (c *Client) handleReady(payload gateway.VoicePayload) error {
	var ready gateway.VoiceReady
	if err := wire.Unmarshal(payload.Data, &ready); err != nil {
		return xerrors.Errorf("voice: decoding ready: %w", err)
	}

	c.ssrc.Store(ready.SSRC)

	c.emitEvent("voice_ready", ready)

	return c.send(gateway.VoiceOpSelectProtocol, gateway.VoiceSelectProtocol{
		Protocol: "udp",
		Data: gateway.VoiceSelectProtocolData{
			Address: ready.IP,
			Port: ready.Port,
			Mode: pickMode(ready.Modes),
		},
	})
}

func pickMode(modes []string) string {
	for _, m := range modes {
		if m == "aead_xchacha20_poly1305_rtpsize" {
			return m
		}
	}
	if len(modes) > 0 {
		return modes[0]
	}
	return ""
}

func (c *Client) handleSessionDescription(payload gateway.VoicePayload) error {
	var desc gateway.VoiceSessionDescription
	if err := wire.Unmarshal(payload.Data, &desc); err != nil {
		return xerrors.Errorf("voice: decoding session description: %w", err)
	}

	c.emitEvent("voice_session_description", desc)

	return nil
}

func (c *Client) handleSpeaking(payload gateway.VoicePayload) {
	var speaking gateway.VoiceSpeaking
	if err := wire.Unmarshal(payload.Data, &speaking); err != nil {
		return
	}

	c.emitEvent("voice_user_talking", speaking)
}

func (c *Client) handleClientDisconnect(payload gateway.VoicePayload) {
	var disconnect gateway.VoiceClientDisconnect
	if err := wire.Unmarshal(payload.Data, &disconnect); err != nil {
		return
	}

	c.emitEvent("voice_client_disconnect", disconnect)
}

func (c *Client) emitEvent(name string, value any) {
	if c.emit != nil {
		c.emit(Event{Shard: nil, Name: name, Value: value})
	}
}

func (c *Client) send(op gateway.VoiceOp, data any) error {
	encoded, err := wire.Marshal(gateway.VoiceSentPayload{Op: op, Data: data})
	if err != nil {
		return xerrors.Errorf("voice: encoding payload: %w", err)
	}

	frame, err := wsframe.EncodeFrameBytes(wsframe.OpcodeText, encoded)
	if err != nil {
		return xerrors.Errorf("voice: encoding frame: %w", err)
	}

	c.strm.Write(frame)

	return nil
}

// startHeartbeat mirrors internal/gatewayshard's heartbeat loop: a
// uniformly jittered first beat, then a steady ticker.
func (c *Client) startHeartbeat(ctx context.Context) {
	interval := time.Duration(c.heartbeatIntervalMs.Load()) * time.Millisecond
	jitter := time.Duration(rand.Float64() * float64(interval))

	c.heartbeatWG.Add(1)

	go func() {
		defer c.heartbeatWG.Done()

		timer := time.NewTimer(jitter)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		c.sendHeartbeat()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sendHeartbeat()
			}
		}
	}()
}

func (c *Client) sendHeartbeat() {
	c.lastHeartbeatSent.Store(nowMillis())
	_ = c.send(gateway.VoiceOpHeartbeat, gateway.VoiceHeartbeat{Nonce: nowMillis()})
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
