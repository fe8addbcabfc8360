package gatewayshard

import "context"

// Cache is the process-wide object cache the shard's event decoders
// populate. The shard itself never writes to a cache; it hands the
// collaborator to the Codec that does, keeping the core free of any
// global cache singleton.
type Cache interface {
	FindUser(id string) (any, bool)
	FindGuild(id string) (any, bool)
	FindChannel(id string) (any, bool)
	FindEmoji(id string) (any, bool)
	FindRole(id string) (any, bool)
	GuildCount() int
	MemberCount() int
	ChannelCount() int
}

// Decoder turns a raw dispatch payload into a strongly-typed event
// value, populating the Cache collaborator along the way if the event
// carries state the cache should observe.
type Decoder func(cache Cache, raw []byte) (any, error)

// DispatchHandler is the user callback invoked once a dispatch event
// has been decoded. It must not block the shard's own goroutine.
type DispatchHandler func(ctx context.Context, evt Event) error

// Event wraps a decoded dispatch value with the shard it arrived on.
// Voice-originated events carry a nil Shard by convention rather than
// a distinguished pseudo-shard value.
type Event struct {
	Shard *Shard
	Name string
	Value any
}

// Severity is a LogSink severity level.
type Severity int

const (
	SeverityTrace Severity = iota
	SeverityDebug
	SeverityInfo
	SeverityWarn
	SeverityError
	SeverityCritical
)

// LogSink is the logging collaborator the shard reports through. The
// default implementation wraps a zerolog.Logger; callers may supply
// their own.
type LogSink interface {
	Log(severity Severity, message string, fields map[string]any)
}

// Clock supplies monotonic time for timers, kept separate from the
// wall-clock time.Now() used for reconnect backoff jitter so that a
// test can substitute a fake without also having to fake jitter.
type Clock interface {
	Now() float64
}
