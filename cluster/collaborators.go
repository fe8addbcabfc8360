package cluster

import "github.com/shardwire/shardwire/internal/gatewayshard"

// Cache, Decoder, DispatchHandler, Event, LogSink, and Clock are the
// same collaborator interfaces internal/gatewayshard consumes,
// re-exported here so callers assembling a Cluster do not need to
// import internal/gatewayshard directly. They are aliases rather than
// a parallel interface set: gatewayshard.Shard is the thing that
// actually calls through them, so redefining them at this layer would
// only invite the two definitions to drift.
type Cache = gatewayshard.Cache
type Decoder = gatewayshard.Decoder
type DispatchHandler = gatewayshard.DispatchHandler
type Event = gatewayshard.Event
type LogSink = gatewayshard.LogSink
type Clock = gatewayshard.Clock
type Severity = gatewayshard.Severity

const (
	SeverityTrace = gatewayshard.SeverityTrace
	SeverityDebug = gatewayshard.SeverityDebug
	SeverityInfo = gatewayshard.SeverityInfo
	SeverityWarn = gatewayshard.SeverityWarn
	SeverityError = gatewayshard.SeverityError
	SeverityCritical = gatewayshard.SeverityCritical
)

// NewRegistry constructs the dispatch registry shared by every shard
// in a Cluster.
func NewRegistry() *gatewayshard.Registry {
	return gatewayshard.NewRegistry()
}
