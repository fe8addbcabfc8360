package gateway

import jsoniter "github.com/json-iterator/go"

// Payload is a single decoded gateway message: an opcode, an optional
// dispatch event name, an optional sequence number, and the raw,
// not-yet-decoded event body.
type Payload struct {
	Op Op `json:"op"`
	Data jsoniter.RawMessage `json:"d,omitempty"`
	Sequence int64 `json:"s,omitempty"`
	Type string `json:"t,omitempty"`
}

// SentPayload is the shape written back to the gateway; Data is
// marshalled by the caller into whatever op-specific struct applies.
type SentPayload struct {
	Op Op `json:"op"`
	Data interface{} `json:"d"`
}

// Hello is the body of the first OpHello message, received immediately
// after the WebSocket handshake completes.
type Hello struct {
	HeartbeatIntervalMs int64 `json:"heartbeat_interval"`
}

// Identify is the body of an OpIdentify payload.
type Identify struct {
	Token string `json:"token"`
	Properties IdentifyProperties `json:"properties"`
	Compress bool `json:"compress,omitempty"`
	LargeThreshold int `json:"large_threshold,omitempty"`
	Shard [2]int32 `json:"shard"`
	Presence *UpdatePresence `json:"presence,omitempty"`
	Intents Intent `json:"intents"`
}

// IdentifyProperties describes the connecting client to the gateway.
type IdentifyProperties struct {
	OS string `json:"os"`
	Browser string `json:"browser"`
	Device string `json:"device"`
}

// Resume is the body of an OpResume payload, reusing a previous session.
type Resume struct {
	Token string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence int64 `json:"seq"`
}

// Heartbeat is the body of an OpHeartbeat payload: the last sequence
// number the shard has observed, or nil if none yet.
type Heartbeat struct {
	Sequence *int64
}

// MarshalJSON encodes a Heartbeat as its bare sequence value (or "null"),
// matching the gateway's wire shape rather than wrapping it in an object.
func (h Heartbeat) MarshalJSON() ([]byte, error) {
	if h.Sequence == nil {
		return []byte("null"), nil
	}

	return jsoniter.Marshal(*h.Sequence)
}

// RequestGuildMembers is the body of an OpRequestGuildMembers payload,
// used to chunk a guild's member list or resolve specific user IDs.
type RequestGuildMembers struct {
	GuildID string `json:"guild_id"`
	Query *string `json:"query,omitempty"`
	Limit int `json:"limit"`
	Presences bool `json:"presences,omitempty"`
	UserIDs []string `json:"user_ids,omitempty"`
	Nonce string `json:"nonce,omitempty"`
}

// UpdatePresence is the body of an OpPresenceUpdate payload.
type UpdatePresence struct {
	Since *int64 `json:"since"`
	Activities []Activity `json:"activities"`
	Status string `json:"status"`
	AFK bool `json:"afk"`
}

// Activity is a single entry of an UpdatePresence's activity list.
type Activity struct {
	Name string `json:"name"`
	Type int `json:"type"`
	URL *string `json:"url,omitempty"`
}

// Ready is the subset of the READY dispatch payload the shard itself
// needs: the session to resume with and the URL to resume against.
type Ready struct {
	SessionID string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}
