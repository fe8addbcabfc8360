package gatewayshard

import "github.com/shardwire/shardwire/wire"

type voiceStateUpdatePayload struct {
	GuildID string `json:"guild_id"`
	UserID string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type voiceServerUpdatePayload struct {
	GuildID string `json:"guild_id"`
	Token string `json:"token"`
	Endpoint string `json:"endpoint"`
}

// forwardVoiceState hands a VOICE_STATE_UPDATE dispatch to the
// VoiceRouter collaborator, if one is installed, before it also goes
// through the normal Registry dispatch path.
func (sh *Shard) forwardVoiceState(raw []byte) {
	if sh.voice == nil {
		return
	}

	var v voiceStateUpdatePayload
	if err := wire.Unmarshal(raw, &v); err != nil {
		sh.logWarn("malformed voice state update", map[string]any{"error": err.Error()})
		return
	}

	sh.voice.RouteVoiceStateUpdate(v.GuildID, v.UserID, v.SessionID)
}

// forwardVoiceServer hands a VOICE_SERVER_UPDATE dispatch to the
// VoiceRouter collaborator, if one is installed.
func (sh *Shard) forwardVoiceServer(raw []byte) {
	if sh.voice == nil {
		return
	}

	var v voiceServerUpdatePayload
	if err := wire.Unmarshal(raw, &v); err != nil {
		sh.logWarn("malformed voice server update", map[string]any{"error": err.Error()})
		return
	}

	sh.voice.RouteVoiceServerUpdate(v.GuildID, v.Token, v.Endpoint)
}
