// Package gateway holds the wire types of the Discord gateway protocol:
// opcodes, intents, close codes, and the JSON envelopes exchanged over the
// WebSocket connection. It has no knowledge of connection state or the
// transport that carries it.
package gateway

// Op identifies the kind of a gateway payload.
type Op uint8

const (
	OpDispatch Op = 0
	OpHeartbeat Op = 1
	OpIdentify Op = 2
	OpPresenceUpdate Op = 3
	OpVoiceStateUpdate Op = 4
	_ // 5 is unused by the gateway
	OpResume Op = 6
	OpReconnect Op = 7
	OpRequestGuildMembers Op = 8
	OpInvalidSession Op = 9
	OpHello Op = 10
	OpHeartbeatACK Op = 11
)

// Intent is a bitflag controlling which dispatch events a shard receives.
type Intent uint32

const (
	IntentGuilds Intent = 1 << 0
	IntentGuildMembers Intent = 1 << 1
	IntentGuildModeration Intent = 1 << 2
	IntentGuildEmojisAndStickers Intent = 1 << 3
	IntentGuildIntegrations Intent = 1 << 4
	IntentGuildWebhooks Intent = 1 << 5
	IntentGuildInvites Intent = 1 << 6
	IntentGuildVoiceStates Intent = 1 << 7
	IntentGuildPresences Intent = 1 << 8
	IntentGuildMessages Intent = 1 << 9
	IntentGuildMessageReactions Intent = 1 << 10
	IntentGuildMessageTyping Intent = 1 << 11
	IntentDirectMessages Intent = 1 << 12
	IntentDirectMessageReactions Intent = 1 << 13
	IntentDirectMessageTyping Intent = 1 << 14
	IntentMessageContent Intent = 1 << 15
	IntentGuildScheduledEvents Intent = 1 << 16
	IntentAutoModerationConfiguration Intent = 1 << 20
	IntentAutoModerationExecution Intent = 1 << 21
)

// CloseCode is a gateway WebSocket close code as defined by the platform.
type CloseCode int

const (
	CloseUnknownError CloseCode = 4000
	CloseUnknownOpcode CloseCode = 4001
	CloseDecodeError CloseCode = 4002
	CloseNotAuthenticated CloseCode = 4003
	CloseAuthenticationFailed CloseCode = 4004
	CloseAlreadyAuthenticated CloseCode = 4005
	_
	CloseInvalidSeq CloseCode = 4007
	CloseRateLimited CloseCode = 4008
	CloseSessionTimedOut CloseCode = 4009
	CloseInvalidShard CloseCode = 4010
	CloseShardingRequired CloseCode = 4011
	CloseInvalidAPIVersion CloseCode = 4012
	CloseInvalidIntents CloseCode = 4013
	CloseDisallowedIntents CloseCode = 4014
)

// Unrecoverable reports whether a gateway close code means the session
// must not be resumed; a fresh identify (or giving up entirely, for
// CloseAuthenticationFailed/CloseInvalidShard/CloseShardingRequired/
// CloseInvalidAPIVersion/CloseInvalidIntents/CloseDisallowedIntents) is
// required instead of a resume attempt.
func (c CloseCode) Unrecoverable() bool {
	switch c {
	case CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return true
	default:
		return false
	}
}
