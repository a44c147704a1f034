// Package classify is the front-door policy that picks an execution path
// for each request before any backend is consulted.
package classify

import (
	"time"

	"github.com/vnmchuo/inference-router/internal/router"
)

// Path is the execution path for an inbound request.
type Path string

const (
	PathRealtime Path = "realtime" // synchronous routing across backends
	PathLocal    Path = "local"    // continuous-batched local inference
	PathBatch    Path = "batch"    // asynchronous discounted bulk processing
)

const (
	// strictLatencyCutoff is the max-latency bound under which a request is
	// considered latency-critical.
	strictLatencyCutoff = 30 * time.Second
	// batchLatencyFloor is the minimum latency tolerance for the batch path.
	batchLatencyFloor = time.Hour
)

// Decide maps routing metadata onto a path. Pure function, no side effects.
// Ambiguous combinations fail toward the realtime path: correctness and
// latency win over cost savings.
func Decide(urgency router.Urgency, costCeilingUSD float64, maxLatency time.Duration) Path {
	strictLatency := maxLatency > 0 && maxLatency <= strictLatencyCutoff
	latencyTolerant := maxLatency == 0 || maxLatency >= batchLatencyFloor
	costSensitive := costCeilingUSD > 0

	if urgency == router.UrgencyUrgent || strictLatency {
		return PathRealtime
	}
	if urgency == router.UrgencyLow && costSensitive && latencyTolerant {
		return PathBatch
	}
	if urgency == router.UrgencyNormal || urgency == router.UrgencyLow {
		return PathLocal
	}
	return PathRealtime
}
