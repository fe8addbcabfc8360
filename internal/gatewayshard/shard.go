// Package gatewayshard implements L2 of the runtime: the gateway
// protocol state machine layered on an internal/wsframe connection —
// identify/resume, heartbeat, sequence tracking, zlib-stream inflate,
// and dispatch of decoded events into a user-supplied registry.
package gatewayshard

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/shardwire/shardwire/gateway"
	"github.com/shardwire/shardwire/internal/queue"
	"github.com/shardwire/shardwire/internal/stream"
	"github.com/shardwire/shardwire/internal/wsframe"
	"github.com/shardwire/shardwire/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"
)

var (
	ErrHeartbeatTimeout = xerrors.New("gatewayshard: heartbeat ack timed out")
	ErrFatalAuth = xerrors.New("gatewayshard: fatal authentication error, shard will not retry")
	ErrClosing = xerrors.New("gatewayshard: shard is closing")
)

// firstEventTimeout bounds how long a shard may sit in a pre-Running
// state (awaiting hello, identifying, resuming) before the connection
// is abandoned and redialed.
const firstEventTimeout = 15 * time.Second

// State is a position in the gateway connection's protocol state
// machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateRunning
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "closed"
	}
}

// Config carries the per-shard constructor parameters a caller
// supplies; configuration loading itself is an external collaborator.
type Config struct {
	Token string
	Intents gateway.Intent
	ShardID int32
	ShardCount int32
	GatewayURL string
	Compress bool
	LargeThreshold int
	Properties gateway.IdentifyProperties
	TLSConfig *tls.Config
	RateLimit rate.Limit
	RateBurst int
}

// VoiceRouter receives VOICE_STATE_UPDATE/VOICE_SERVER_UPDATE dispatch
// events so a VoiceManager owned elsewhere can aggregate them into
// voice readiness. The shard holds a narrow reference rather than
// owning voice state itself.
type VoiceRouter interface {
	RouteVoiceStateUpdate(guildID, userID, sessionID string)
	RouteVoiceServerUpdate(guildID, token, endpoint string)
}

// Shard owns one gateway connection: its stream, its outbound queue,
// its zlib inflate context, and the protocol state machine driving
// identify/resume/heartbeat. Fields touched from more than one
// goroutine (sequence, session id, heartbeat timestamps, counters) are
// go.uber.org/atomic values; the zlib context and connection
// metadata are touched only from the shard's own
// goroutine and need no lock, mirroring §5's ownership rules.
type Shard struct {
	cfg Config

	registry *Registry
	cache Cache
	logSink LogSink
	clock Clock
	voice VoiceRouter

	zlog zerolog.Logger

	state atomic.Int32

	sequence atomic.Int64
	sessionID atomic.String
	resumeGatewayURL atomic.String

	ready atomic.Bool
	resumes atomic.Int32
	reconnects atomic.Int32

	connectTime atomic.Time
	lastHeartbeatSent atomic.Float64
	lastHeartbeatAck atomic.Float64
	heartbeatIntervalMs atomic.Int64

	strm *stream.Stream
	q *queue.Queue
	inflate *inflater

	heartbeatCancel context.CancelFunc
	heartbeatWG sync.WaitGroup

	runCancelMu sync.Mutex
	runCancel context.CancelFunc

	readyOnce chan struct{}
	readyOnceClosed atomic.Bool

	closeOnce sync.Once
	closed chan struct{}
}

// New constructs a Shard. registry, cache, logSink, and clock are
// collaborators; logSink and clock may be nil to use the defaults
// (zerolog console output to stdout, wall-clock time).
func New(cfg Config, registry *Registry, cache Cache, logSink LogSink, clock Clock) *Shard {
	sh := &Shard{
		cfg: cfg,
		registry: registry,
		cache: cache,
		logSink: logSink,
		clock: clock,
		zlog: zerolog.New(zerolog.NewConsoleWriter()).With().
			Int32("shard_id", cfg.ShardID).
			Int32("shard_count", cfg.ShardCount).
			Timestamp().
			Logger(),
		inflate: newInflater(),
		readyOnce: make(chan struct{}),
		closed: make(chan struct{}),
	}

	limit := cfg.RateLimit
	if limit == 0 {
		limit = rate.Limit(120.0 / 60.0)
	}
	burst := cfg.RateBurst
	if burst == 0 {
		burst = 10
	}

	sh.q = queue.New(rate.NewLimiter(limit, burst))

	return sh
}

// SetVoiceRouter installs the collaborator that voice-state dispatch
// events are forwarded to.
func (sh *Shard) SetVoiceRouter(router VoiceRouter) {
	sh.voice = router
}

func (sh *Shard) clockNow() float64 {
	if sh.clock != nil {
		return sh.clock.Now()
	}
	return float64(time.Now().UnixNano()) / 1e9
}

func (sh *Shard) setState(s State) {
	sh.state.Store(int32(s))
}

// State returns the shard's current protocol state.
func (sh *Shard) State() State {
	return State(sh.state.Load())
}

// IsConnected reports whether the shard is in the Running state for
// its current connection attempt.
func (sh *Shard) IsConnected() bool {
	return sh.State() == StateRunning
}

// Uptime reports how long the shard has been connected.
func (sh *Shard) Uptime() time.Duration {
	start := sh.connectTime.Load()
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}

// QueueSize reports the number of payloads waiting to be sent.
func (sh *Shard) QueueSize() int { return sh.q.Size() }

// DecompressedBytesIn reports cumulative decompressed bytes received.
func (sh *Shard) DecompressedBytesIn() uint64 { return sh.inflate.DecompressedBytesIn() }

// GuildCount delegates to the Cache collaborator.
func (sh *Shard) GuildCount() int { return sh.cache.GuildCount() }

// MemberCount delegates to the Cache collaborator.
func (sh *Shard) MemberCount() int { return sh.cache.MemberCount() }

// ChannelCount delegates to the Cache collaborator.
func (sh *Shard) ChannelCount() int { return sh.cache.ChannelCount() }

// BytesIn reports cumulative bytes read off the socket.
func (sh *Shard) BytesIn() uint64 {
	if sh.strm == nil {
		return 0
	}
	return sh.strm.BytesIn()
}

// BytesOut reports cumulative bytes written to the socket.
func (sh *Shard) BytesOut() uint64 {
	if sh.strm == nil {
		return 0
	}
	return sh.strm.BytesOut()
}

// Resumes reports how many times this shard has resumed a session.
func (sh *Shard) Resumes() int32 { return sh.resumes.Load() }

// Reconnects reports how many times this shard has reconnected.
func (sh *Shard) Reconnects() int32 { return sh.reconnects.Load() }

// Ready reports whether the shard has completed identify/resume.
func (sh *Shard) Ready() bool { return sh.ready.Load() }

// ShardID returns the configured shard index, satisfying
// internal/voice's narrow ShardHandle collaborator interface.
func (sh *Shard) ShardID() int32 { return sh.cfg.ShardID }

// QueueMessage enqueues an already-encoded payload for delivery,
// exposing the outbound queue to collaborators. Urgent callers
// (presence updates, voice state) pass toFront=true.
func (sh *Shard) QueueMessage(payload []byte, toFront bool) {
	if toFront {
		sh.q.PushFront(payload)
		return
	}
	sh.q.PushBack(payload)
}

// RequestGuildMembers queues an OpRequestGuildMembers payload and
// returns the nonce the caller can correlate against the resulting
// GUILD_MEMBERS_CHUNK dispatch events. A uuid is used rather than a
// counter so correlation survives across shard reconnects.
func (sh *Shard) RequestGuildMembers(guildID string, query *string, limit int, userIDs []string) (nonce string, err error) {
	nonce = uuid.NewString()

	payload := gateway.SentPayload{
		Op: gateway.OpRequestGuildMembers,
		Data: gateway.RequestGuildMembers{
			GuildID: guildID,
			Query: query,
			Limit: limit,
			UserIDs: userIDs,
			Nonce: nonce,
		},
	}

	if err := sh.sendBack(payload); err != nil {
		return "", err
	}

	return nonce, nil
}

func (sh *Shard) sendFront(payload gateway.SentPayload) error {
	encoded, err := wire.Marshal(payload)
	if err != nil {
		return xerrors.Errorf("gatewayshard: encoding payload: %w", err)
	}
	sh.q.PushFront(encoded)
	return nil
}

func (sh *Shard) sendBack(payload gateway.SentPayload) error {
	encoded, err := wire.Marshal(payload)
	if err != nil {
		return xerrors.Errorf("gatewayshard: encoding payload: %w", err)
	}
	sh.q.PushBack(encoded)
	return nil
}

// WaitForReady blocks until the shard has received READY or RESUMED,
// or ctx is cancelled.
func (sh *Shard) WaitForReady(ctx context.Context) error {
	select {
	case <-sh.readyOnce:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-sh.closed:
		return ErrClosing
	}
}

func (sh *Shard) markReady() {
	if sh.readyOnceClosed.CompareAndSwap(false, true) {
		close(sh.readyOnce)
	}
}

// Run connects the shard and drives it until ctx is cancelled or a
// fatal authentication error occurs, reconnecting with backoff in
// between.
func (sh *Shard) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := sh.runOnce(ctx)

		if ctx.Err() != nil {
			sh.setState(StateClosed)
			return ctx.Err()
		}

		if xerrors.Is(err, ErrFatalAuth) {
			sh.logCritical("fatal authentication error, shard will not retry", map[string]any{"error": err.Error()})
			sh.setState(StateClosed)
			return err
		}

		sh.reconnects.Add(1)
		sh.setState(StateReconnecting)

		// Stale outbound payloads (an old identify, backlog heartbeats,
		// request-guild-members calls) have no business landing on the
		// connection that replaces this one.
		sh.q.Clear()

		jittered := applyJitter(backoff, 0.2)
		sh.logWarn("shard disconnected, reconnecting", map[string]any{"wait": jittered.String(), "error": errString(err)})

		select {
		case <-ctx.Done():
			sh.setState(StateClosed)
			return ctx.Err()
		case <-time.After(jittered):
		}

		backoff *= 2
		if backoff > 60*time.Second {
			backoff = 60 * time.Second
		}
	}
}

// triggerReconnect forces the current connection attempt to end, which
// unblocks runOnce's ReadLoop call and sends Run back through the
// backoff-and-redial path. Used by the heartbeat goroutine when an ack
// has been missed.
func (sh *Shard) triggerReconnect(reason error) {
	sh.logWarn("forcing reconnect", map[string]any{"reason": reason.Error()})

	sh.runCancelMu.Lock()
	cancel := sh.runCancel
	sh.runCancelMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func applyJitter(d time.Duration, frac float64) time.Duration {
	delta := (rand.Float64()*2 - 1) * frac
	return time.Duration(float64(d) * (1 + delta))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// runOnce performs one connect-through-disconnect cycle.
func (sh *Shard) runOnce(ctx context.Context) error {
	sh.setState(StateConnecting)

	connectCtx, cancel := context.WithCancel(ctx)
	sh.runCancelMu.Lock()
	sh.runCancel = cancel
	sh.runCancelMu.Unlock()
	defer cancel()

	host, path, err := sh.dialTarget()
	if err != nil {
		return err
	}

	strm, err := stream.Dial(connectCtx, stream.Config{
		Host: host,
		Port: "443",
		TLSConfig: sh.cfg.TLSConfig,
	})
	if err != nil {
		return xerrors.Errorf("gatewayshard: dial: %w", err)
	}
	sh.strm = strm

	if err := wsframe.Handshake(strm.Reader(), strm.Conn(), host, path, nil); err != nil {
		strm.Close()
		return xerrors.Errorf("gatewayshard: handshake: %w", err)
	}

	sh.connectTime.Store(time.Now())
	sh.setState(StateAwaitingHello)

	assembler := &wsframe.Assembler{}

	strm.SetHandler(func(buf []byte) (int, error) {
		return sh.handleBuffer(connectCtx, strm, assembler, buf)
	})

	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		sh.drainLoop(connectCtx, strm)
	}()

	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		sh.readyWatchdog(connectCtx, cancel)
	}()

	defer func() {
		cancel()
		strm.Close()
		if sh.heartbeatCancel != nil {
			sh.heartbeatCancel()
			sh.heartbeatWG.Wait()
		}
		<-drainDone
		<-watchdogDone
	}()

	return strm.ReadLoop(connectCtx)
}

// readyWatchdog guarantees a shard never sits indefinitely in a
// pre-Running state: if the connection hasn't reached StateRunning
// within firstEventTimeout of the handshake completing, it is torn
// down so Run's backoff loop redials.
func (sh *Shard) readyWatchdog(ctx context.Context, cancel context.CancelFunc) {
	timer := time.NewTimer(firstEventTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if sh.State() != StateRunning {
		sh.logWarn("shard did not reach running state in time, forcing reconnect", map[string]any{"state": sh.State().String()})
		cancel()
	}
}

// handleBuffer is the Handler installed on the stream: it feeds as
// many complete frames as are present into the frame assembler and the
// protocol state machine, iterating until no further progress is
// possible. The return value is how many bytes of buf were consumed
// across all frames decoded this call.
func (sh *Shard) handleBuffer(ctx context.Context, strm *stream.Stream, assembler *wsframe.Assembler, buf []byte) (int, error) {
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
				return total, sh.handleClose(closeErr.Code)
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
			if err := sh.handleMessage(ctx, *outcome.Message); err != nil {
				return total, err
			}
		}
	}

	return total, nil
}

func (sh *Shard) handleClose(code int) error {
	cc := gateway.CloseCode(code)
	if cc.Unrecoverable() {
		sh.sessionID.Store("")
		sh.sequence.Store(0)
		return xerrors.Errorf("%w: close code %d", ErrFatalAuth, code)
	}
	return xerrors.Errorf("gatewayshard: connection closed with code %d", code)
}

// drainLoop pops queued outbound payloads and writes them as WebSocket
// frames, paced by the queue's rate limiter.
func (sh *Shard) drainLoop(ctx context.Context, strm *stream.Stream) {
	for {
		payload, ok, err := sh.q.Drain(ctx)
		if err != nil {
			return
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}

		encoded, err := wsframe.EncodeFrameBytes(wsframe.OpcodeText, payload)
		if err != nil {
			continue
		}

		strm.Write(encoded)
	}
}

func (sh *Shard) dialTarget() (host, path string, err error) {
	gatewayURL := sh.cfg.GatewayURL
	if resumeURL := sh.resumeGatewayURL.Load(); resumeURL != "" && sh.sessionID.Load() != "" {
		gatewayURL = resumeURL
	}

	u, err := url.Parse(gatewayURL)
	if err != nil {
		return "", "", xerrors.Errorf("gatewayshard: invalid gateway url: %w", err)
	}

	encoding := "encoding=json"
	compress := ""
	if sh.cfg.Compress {
		compress = "&compress=zlib-stream"
	}

	query := fmt.Sprintf("v=10&%s%s", encoding, compress)
	if u.RawQuery != "" {
		query = u.RawQuery + "&" + query
	}

	path = u.Path
	if path == "" {
		path = "/"
	}
	path = path + "?" + query

	return u.Host, path, nil
}

