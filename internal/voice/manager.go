// Package voice implements L4 of the runtime: per-guild voice
// signalling coordination and voice-client lifecycle, aggregating the
// gateway's VOICE_STATE_UPDATE/VOICE_SERVER_UPDATE dispatch pair into
// a ready voice connection and handing off to a media client.
package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shardwire/shardwire/gateway"
	"github.com/shardwire/shardwire/wire"
	"golang.org/x/xerrors"
)

var (
	ErrAlreadyConnected = xerrors.New("voice: already connected to this guild")
	ErrNotConnected = xerrors.New("voice: no connection for this guild")
)

// ReadinessTimeout bounds how long a VoiceConn may wait for the
// session_id/token/endpoint triple before being torn down.
const ReadinessTimeout = 30 * time.Second

// ShardHandle is the narrow slice of a gatewayshard.Shard the voice
// manager needs: enough to push a voice-state-update to the front of
// the shard's outbound queue. It avoids internal/voice importing
// internal/gatewayshard for anything but this seam.
type ShardHandle interface {
	QueueMessage(payload []byte, toFront bool)
	ShardID() int32
}

// MediaClientFactory constructs and starts the opus/UDP media client
// once a VoiceConn has aggregated session_id, token, and endpoint.
// Left as a collaborator seam: opus encoding and media encryption are
// out of scope for this package.
type MediaClientFactory func(ctx context.Context, host, sessionID, token string) (MediaClient, error)

// EventSink receives voice events (voice_ready,
// voice_session_description, voice_user_talking,
// voice_client_disconnect, voice_resumed, voice_closed,
// voice_media_error, voice_ready_timeout). The Shard field of every Event this
// package emits is nil: these events originate on the voice client's
// own goroutine, not the gateway shard's.
type EventSink func(Event)

// Event is a decoded voice-layer occurrence handed to the caller's
// EventSink.
type Event struct {
	Shard ShardHandle
	GuildID string
	Name string
	Value any
}

// VoiceConn is the per-guild signalling + media record. Exactly one
// exists per guild with an active or pending voice connection.
type VoiceConn struct {
	GuildID string
	ChannelID string

	mu sync.Mutex
	sessionID string
	token string
	endpoint string

	media MediaClient
	client *Client

	readyTimer *time.Timer
	torn bool
}

func (vc *VoiceConn) maybeReady(ctx context.Context, mgr *Manager) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	if vc.media != nil || vc.client != nil || vc.torn {
		return
	}

	if vc.sessionID == "" || vc.token == "" || vc.endpoint == "" {
		return
	}

	if vc.readyTimer != nil {
		vc.readyTimer.Stop()
	}

	host := stripPort(vc.endpoint)

	client := NewClient(Config{
		Endpoint: host,
		ServerID: vc.GuildID,
		UserID: mgr.botUserID,
		SessionID: vc.sessionID,
		Token: vc.token,
	}, func(evt Event) {
		evt.GuildID = vc.GuildID
		mgr.emit(evt)
	})
	vc.client = client

	go func() {
		if err := client.Run(ctx); err != nil {
			mgr.emit(Event{GuildID: vc.GuildID, Name: "voice_closed", Value: err})
		}
	}()

	if mgr.mediaFactory != nil {
		media, err := mgr.mediaFactory(ctx, host, vc.sessionID, vc.token)
		if err != nil {
			mgr.emit(Event{GuildID: vc.GuildID, Name: "voice_media_error", Value: err})
			return
		}
		vc.media = media
	}
}

func stripPort(endpoint string) string {
	if idx := strings.LastIndex(endpoint, ":"); idx >= 0 {
		return endpoint[:idx]
	}
	return endpoint
}

// Manager owns the guild-keyed map of voice connections for one
// shard, guarded by one mutex — the map is never iterated while the
// mutex is unheld.
type Manager struct {
	shard ShardHandle
	botUserID string
	mediaFactory MediaClientFactory
	sink EventSink

	mu sync.Mutex
	conns map[string]*VoiceConn
}

// NewManager constructs a Manager bound to one shard. sink may be nil
// to discard voice events; mediaFactory may be nil to skip media
// client construction entirely (signalling-only operation).
func NewManager(shard ShardHandle, botUserID string, mediaFactory MediaClientFactory, sink EventSink) *Manager {
	return &Manager{
		shard: shard,
		botUserID: botUserID,
		mediaFactory: mediaFactory,
		sink: sink,
		conns: make(map[string]*VoiceConn),
	}
}

func (m *Manager) emit(evt Event) {
	if m.sink != nil {
		m.sink(evt)
	}
}

// ConnectVoice creates an empty VoiceConn for guildID and requests the
// gateway move the bot to channelID.
func (m *Manager) ConnectVoice(ctx context.Context, guildID, channelID string) (*VoiceConn, error) {
	m.mu.Lock()
	if _, exists := m.conns[guildID]; exists {
		m.mu.Unlock()
		return nil, ErrAlreadyConnected
	}

	vc := &VoiceConn{GuildID: guildID, ChannelID: channelID}
	m.conns[guildID] = vc
	m.mu.Unlock()

	vc.readyTimer = time.AfterFunc(ReadinessTimeout, func() {
		m.expireReadiness(guildID)
	})

	if err := m.sendVoiceStateUpdate(guildID, &channelID, false, false); err != nil {
		m.mu.Lock()
		delete(m.conns, guildID)
		m.mu.Unlock()
		return nil, err
	}

	return vc, nil
}

func (m *Manager) expireReadiness(guildID string) {
	m.mu.Lock()
	vc, exists := m.conns[guildID]
	m.mu.Unlock()

	if !exists {
		return
	}

	vc.mu.Lock()
	alreadyReady := vc.media != nil || vc.client != nil
	vc.torn = true
	vc.mu.Unlock()

	if alreadyReady {
		return
	}

	m.emit(Event{GuildID: guildID, Name: "voice_ready_timeout", Value: ErrNotConnected})
	m.DisconnectVoice(guildID)
}

// DisconnectVoice tells the gateway to leave the voice channel, stops
// the media client and signalling client if present, and drops the
// record.
func (m *Manager) DisconnectVoice(guildID string) error {
	m.mu.Lock()
	vc, exists := m.conns[guildID]
	delete(m.conns, guildID)
	m.mu.Unlock()

	if !exists {
		return ErrNotConnected
	}

	vc.mu.Lock()
	if vc.readyTimer != nil {
		vc.readyTimer.Stop()
	}
	media := vc.media
	client := vc.client
	vc.torn = true
	vc.mu.Unlock()

	if media != nil {
		media.Stop()
	}
	if client != nil {
		client.Close()
	}

	return m.sendVoiceStateUpdate(guildID, nil, false, false)
}

// GetVoice returns the record for guildID, or ok=false if none exists.
func (m *Manager) GetVoice(guildID string) (vc *VoiceConn, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vc, ok = m.conns[guildID]
	return vc, ok
}

func (m *Manager) sendVoiceStateUpdate(guildID string, channelID *string, selfMute, selfDeaf bool) error {
	encoded, err := wire.Marshal(gateway.SentPayload{
		Op: gateway.OpVoiceStateUpdate,
		Data: voiceStateUpdateRequest{
			GuildID: guildID,
			ChannelID: channelID,
			SelfMute: selfMute,
			SelfDeaf: selfDeaf,
		},
	})
	if err != nil {
		return xerrors.Errorf("voice: encoding voice state update: %w", err)
	}

	m.shard.QueueMessage(encoded, true)

	return nil
}

type voiceStateUpdateRequest struct {
	GuildID string `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute bool `json:"self_mute"`
	SelfDeaf bool `json:"self_deaf"`
}

// RouteVoiceStateUpdate implements gatewayshard.VoiceRouter: it
// aggregates the bot's own VOICE_STATE_UPDATE into the matching
// VoiceConn's session_id.
func (m *Manager) RouteVoiceStateUpdate(guildID, userID, sessionID string) {
	if userID != m.botUserID {
		return
	}

	m.mu.Lock()
	vc, exists := m.conns[guildID]
	m.mu.Unlock()

	if !exists {
		return
	}

	vc.mu.Lock()
	vc.sessionID = sessionID
	vc.mu.Unlock()

	vc.maybeReady(context.Background(), m)
}

// RouteVoiceServerUpdate implements gatewayshard.VoiceRouter: it
// aggregates VOICE_SERVER_UPDATE into the matching VoiceConn's token
// and endpoint.
func (m *Manager) RouteVoiceServerUpdate(guildID, token, endpoint string) {
	m.mu.Lock()
	vc, exists := m.conns[guildID]
	m.mu.Unlock()

	if !exists {
		return
	}

	vc.mu.Lock()
	vc.token = token
	vc.endpoint = endpoint
	vc.mu.Unlock()

	vc.maybeReady(context.Background(), m)
}
