package worker

import (
	"time"

	"github.com/marcus-qen/vigil/internal/probe"
	"github.com/marcus-qen/vigil/internal/store"
)

// InstanceHealth classifies a worker instance from its heartbeat age. A
// stopped instance is reported as-is rather than by staleness.
type InstanceHealth struct {
	InstanceID   string        `json:"instance_id"`
	Status       probe.Status  `json:"status"`
	HeartbeatAge time.Duration `json:"heartbeat_age"`
}

// ClassifyInstance maps heartbeat age against the configured interval:
// within one interval is healthy, within two is warning, beyond that critical.
func ClassifyInstance(inst *store.Instance, interval time.Duration, now time.Time) InstanceHealth {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	age := now.Sub(inst.LastHeartbeat)
	h := InstanceHealth{InstanceID: inst.ID, HeartbeatAge: age}

	if inst.Status == store.InstanceStopped || inst.Status == store.InstanceStopping {
		h.Status = probe.StatusHealthy
		return h
	}
	if inst.Status == store.InstanceError {
		h.Status = probe.StatusError
		return h
	}

	switch {
	case age <= interval:
		h.Status = probe.StatusHealthy
	case age <= 2*interval:
		h.Status = probe.StatusWarning
	default:
		h.Status = probe.StatusCritical
	}
	return h
}
