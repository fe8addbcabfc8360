package gatewayshard

import (
	"context"
	"sync"

	"github.com/shardwire/shardwire/gateway"
	"github.com/rs/zerolog"
)

// Registry is the name→decoder and name→handler table the shard
// consults on every dispatch: both maps are keyed by dispatch event
// name. Protocol-level ops (hello, heartbeat ack, reconnect, invalid
// session) never pass through it; the state machine handles those
// inline. Registration and lookup both go through its RWMutex.
type Registry struct {
	mu sync.RWMutex

	decoders map[string]Decoder
	handlers map[string]DispatchHandler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		decoders: make(map[string]Decoder),
		handlers: make(map[string]DispatchHandler),
	}
}

// RegisterDispatch installs the decoder and handler for a dispatch
// event name. Registering again for the same name overwrites the
// previous registration, matching the "last registration wins"
// contract of the one-callback-per-kind registry.
func (r *Registry) RegisterDispatch(name string, decoder Decoder, handler DispatchHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.decoders[name] = decoder
	r.handlers[name] = handler
}

func (r *Registry) lookup(name string) (Decoder, DispatchHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	decoder, hasDecoder := r.decoders[name]
	handler, hasHandler := r.handlers[name]

	return decoder, handler, hasDecoder && hasHandler
}

// dispatch decodes and routes one DISPATCH payload. Events with no
// registered handler are silently dropped; malformed payloads are
// logged at warn and never terminate the shard.
func (sh *Shard) dispatch(ctx context.Context, name string, raw []byte) {
	decoder, handler, ok := sh.registry.lookup(name)
	if !ok {
		sh.logDebug("no handler registered for dispatch event", map[string]any{"event": name})
		return
	}

	value, err := decoder(sh.cache, raw)
	if err != nil {
		sh.logWarn("failed to decode dispatch event", map[string]any{"event": name, "error": err.Error()})
		return
	}

	if err := sh.safeInvoke(ctx, handler, Event{Shard: sh, Name: name, Value: value}); err != nil {
		sh.logWarn("dispatch handler returned an error", map[string]any{"event": name, "error": err.Error()})
	}
}

// safeInvoke calls a user handler, recovering and logging a panic (the
// call then returns a nil error) so a misbehaving callback never tears
// down the shard's own goroutine.
func (sh *Shard) safeInvoke(ctx context.Context, handler DispatchHandler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			sh.logWarn("dispatch handler panicked", map[string]any{"event": evt.Name})
		}
	}()

	return handler(ctx, evt)
}

func (sh *Shard) logDebug(msg string, fields map[string]any) { sh.log(SeverityDebug, msg, fields) }
func (sh *Shard) logWarn(msg string, fields map[string]any) { sh.log(SeverityWarn, msg, fields) }
func (sh *Shard) logInfo(msg string, fields map[string]any) { sh.log(SeverityInfo, msg, fields) }
func (sh *Shard) logError(msg string, fields map[string]any) { sh.log(SeverityError, msg, fields) }
func (sh *Shard) logCritical(msg string, fields map[string]any) { sh.log(SeverityCritical, msg, fields) }

func (sh *Shard) log(severity Severity, msg string, fields map[string]any) {
	if sh.logSink != nil {
		sh.logSink.Log(severity, msg, fields)
		return
	}

	event := zeroLogEvent(sh.zlog, severity)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

func zeroLogEvent(logger zerolog.Logger, severity Severity) *zerolog.Event {
	switch severity {
	case SeverityTrace:
		return logger.Trace()
	case SeverityDebug:
		return logger.Debug()
	case SeverityInfo:
		return logger.Info()
	case SeverityWarn:
		return logger.Warn()
	case SeverityError:
		return logger.Error()
	default:
		return logger.Error().Str("severity", "critical")
	}
}

// opHandler reacts to a raw gateway op that isn't a dispatch (hello,
// heartbeat ack, reconnect, invalid session). These are handled inline
// by Shard.handleMessage rather than through the Registry, since they
// drive the protocol state machine itself rather than user code.
type opHandler func(ctx context.Context, sh *Shard, payload gateway.Payload) error
