package gatewayshard

import (
	"context"
	"math/rand"
	"time"

	"github.com/shardwire/shardwire/gateway"
)

// heartbeatAckGrace is the multiplier applied to the announced
// heartbeat interval when deciding whether an ack has been missed.
const heartbeatAckGrace = 1.5

// startHeartbeat launches the ticker-driven heartbeat goroutine for the
// current connection. The first heartbeat is always jittered by a
// uniform random fraction of the interval (see SPEC_FULL.md §E).
func (sh *Shard) startHeartbeat(ctx context.Context, intervalMs int64) {
	interval := time.Duration(intervalMs) * time.Millisecond
	jitter := time.Duration(rand.Float64() * float64(interval))

	sh.heartbeatWG.Add(1)

	go func() {
		defer sh.heartbeatWG.Done()

		timer := time.NewTimer(jitter)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		sh.sendHeartbeat(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sh.sendHeartbeat(ctx)

				if sh.heartbeatMissed() {
					sh.logWarn("heartbeat ack missed, forcing reconnect", map[string]any{"shard_id": sh.cfg.ShardID})
					sh.triggerReconnect(ErrHeartbeatTimeout)
					return
				}
			}
		}
	}()
}

func (sh *Shard) sendHeartbeat(ctx context.Context) {
	seq := sh.sequence.Load()

	var seqPtr *int64
	if seq > 0 {
		v := seq
		seqPtr = &v
	}

	payload := gateway.SentPayload{Op: gateway.OpHeartbeat, Data: gateway.Heartbeat{Sequence: seqPtr}}

	if err := sh.sendFront(payload); err != nil {
		sh.logWarn("failed to queue heartbeat", map[string]any{"error": err.Error()})
		return
	}

	sh.lastHeartbeatSent.Store(sh.clockNow())
}

// heartbeatMissed reports whether the most recent ack is older than
// the last send minus heartbeatAckGrace × the interval, i.e. the server failed to ack
// within heartbeat_interval × 1.5 of the send.
func (sh *Shard) heartbeatMissed() bool {
	sent := sh.lastHeartbeatSent.Load()
	acked := sh.lastHeartbeatAck.Load()

	intervalSeconds := float64(sh.heartbeatIntervalMs.Load()) / 1000.0

	return acked < sent-intervalSeconds*heartbeatAckGrace
}
