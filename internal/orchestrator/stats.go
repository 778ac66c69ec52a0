package orchestrator

import (
	"time"

	"github.com/michaelbrown/warden/internal/sandbox"
)

// ExecutorStats counts executions handled by one tier.
type ExecutorStats struct {
	Total        int64         `json:"total"`
	Succeeded    int64         `json:"succeeded"`
	Failed       int64         `json:"failed"`
	TimedOut     int64         `json:"timed_out"`
	Unavailable  int64         `json:"unavailable"`
	TotalElapsed time.Duration `json:"total_elapsed"`
}

// AvgElapsed returns the mean wall time per execution.
func (s ExecutorStats) AvgElapsed() time.Duration {
	if s.Total == 0 {
		return 0
	}
	return s.TotalElapsed / time.Duration(s.Total)
}

func (o *Orchestrator) recordStats(tier sandbox.Tier, res sandbox.Result) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()

	s, ok := o.stats[tier]
	if !ok {
		s = &ExecutorStats{}
		o.stats[tier] = s
	}
	s.Total++
	s.TotalElapsed += res.Elapsed
	switch {
	case res.Success:
		s.Succeeded++
	case res.Kind() == sandbox.KindTimeout:
		s.TimedOut++
		s.Failed++
	case res.Kind() == sandbox.KindBackendUnavailable:
		s.Unavailable++
		s.Failed++
	default:
		s.Failed++
	}
}

// Stats returns a snapshot of per-tier execution counts.
func (o *Orchestrator) Stats() map[sandbox.Tier]ExecutorStats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	out := make(map[sandbox.Tier]ExecutorStats, len(o.stats))
	for t, s := range o.stats {
		out[t] = *s
	}
	return out
}
