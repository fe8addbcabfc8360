package gateway

import jsoniter "github.com/json-iterator/go"

// VoiceOp identifies the kind of a voice gateway payload. The voice
// gateway is a separate WebSocket connection per guild, with its own
// opcode space.
type VoiceOp uint8

const (
	VoiceOpIdentify VoiceOp = 0
	VoiceOpSelectProtocol VoiceOp = 1
	VoiceOpReady VoiceOp = 2
	VoiceOpHeartbeat VoiceOp = 3
	VoiceOpSessionDescription VoiceOp = 4
	VoiceOpSpeaking VoiceOp = 5
	VoiceOpHeartbeatACK VoiceOp = 6
	VoiceOpResume VoiceOp = 7
	VoiceOpHello VoiceOp = 8
	VoiceOpResumed VoiceOp = 9
	VoiceOpClientsConnect VoiceOp = 11
	VoiceOpClientDisconnect VoiceOp = 13
)

// VoiceCloseCode is a voice gateway WebSocket close code.
type VoiceCloseCode int

const (
	VoiceCloseUnknownOpcode VoiceCloseCode = 4001
	VoiceCloseNotAuthenticated VoiceCloseCode = 4003
	VoiceCloseAuthenticationFailed VoiceCloseCode = 4004
	VoiceCloseAlreadyAuthenticated VoiceCloseCode = 4005
	VoiceCloseSessionNoLongerValid VoiceCloseCode = 4006
	VoiceCloseSessionTimeout VoiceCloseCode = 4009
	VoiceCloseServerNotFound VoiceCloseCode = 4011
	VoiceCloseUnknownProtocol VoiceCloseCode = 4012
	VoiceCloseDisconnected VoiceCloseCode = 4014
	VoiceCloseVoiceServerCrashed VoiceCloseCode = 4015
	VoiceCloseUnknownEncryptionMode VoiceCloseCode = 4016
)

// VoicePayload is a decoded voice gateway message.
type VoicePayload struct {
	Op VoiceOp `json:"op"`
	Data jsoniter.RawMessage `json:"d,omitempty"`
}

// VoiceSentPayload is the shape written back to the voice gateway.
type VoiceSentPayload struct {
	Op VoiceOp `json:"op"`
	Data interface{} `json:"d"`
}

// VoiceIdentify is the body of a VoiceOpIdentify payload, sent once the
// VOICE_STATE_UPDATE/VOICE_SERVER_UPDATE pair has been aggregated.
type VoiceIdentify struct {
	ServerID string `json:"server_id"`
	UserID string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token string `json:"token"`
}

// VoiceReady is the body of the VoiceOpReady payload.
type VoiceReady struct {
	SSRC uint32 `json:"ssrc"`
	IP string `json:"ip"`
	Port uint16 `json:"port"`
	Modes []string `json:"modes"`
}

// VoiceSelectProtocol is the body of a VoiceOpSelectProtocol payload.
type VoiceSelectProtocol struct {
	Protocol string `json:"protocol"`
	Data VoiceSelectProtocolData `json:"data"`
}

// VoiceSelectProtocolData carries the caller's local UDP endpoint and
// chosen encryption mode for IP discovery.
type VoiceSelectProtocolData struct {
	Address string `json:"address"`
	Port uint16 `json:"port"`
	Mode string `json:"mode"`
}

// VoiceSessionDescription is the body of the VoiceOpSessionDescription
// payload, carrying the negotiated encryption mode and secret key.
type VoiceSessionDescription struct {
	Mode string `json:"mode"`
	SecretKey []byte `json:"secret_key"`
}

// VoiceHeartbeat is the body of a VoiceOpHeartbeat payload.
type VoiceHeartbeat struct {
	Nonce int64 `json:"t"`
}

// VoiceResume is the body of a VoiceOpResume payload.
type VoiceResume struct {
	ServerID string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token string `json:"token"`
}

// VoiceHello is the body of the VoiceOpHello payload.
type VoiceHello struct {
	HeartbeatIntervalMs float64 `json:"heartbeat_interval"`
}

// VoiceSpeaking is the body of a VoiceOpSpeaking payload, sent and
// received to toggle or observe a user's speaking indicator.
type VoiceSpeaking struct {
	Speaking uint `json:"speaking"`
	Delay uint `json:"delay"`
	SSRC uint32 `json:"ssrc"`
}

// VoiceClientDisconnect is the body of a VoiceOpClientDisconnect
// payload, reporting that a user has left the voice channel.
type VoiceClientDisconnect struct {
	UserID string `json:"user_id"`
}
