package gates

// Metrics is the health sample the gates evaluate.
type Metrics struct {
	StalledRate       float64 // fraction of runs that raised stalled
	ResumeSuccessRate float64 // fraction of resume signals that produced job_resumed
	TerminalReversals int     // attempted transitions out of a terminal state
}

// SLO thresholds.
const (
	MaxStalledRate       = 0.02
	MinResumeSuccessRate = 0.99
)

// SLOResult reports each gate.
type SLOResult struct {
	StalledOK  bool `json:"stalled_ok"`
	ResumeOK   bool `json:"resume_ok"`
	TerminalOK bool `json:"terminal_ok"`
	AllPass    bool `json:"all_pass"`
}

// EvaluateSLO checks the metrics against the service objectives.
func EvaluateSLO(m Metrics) SLOResult {
	r := SLOResult{
		StalledOK:  m.StalledRate <= MaxStalledRate,
		ResumeOK:   m.ResumeSuccessRate >= MinResumeSuccessRate,
		TerminalOK: m.TerminalReversals == 0,
	}
	r.AllPass = r.StalledOK && r.ResumeOK && r.TerminalOK
	return r
}

// CanaryStages are the rollout percentages a release promotes through.
var CanaryStages = []int{5, 20, 50, 100}

// CanaryDecision is the verdict for one canary stage.
type CanaryDecision string

const (
	CanaryPromote  CanaryDecision = "promote"
	CanaryHold     CanaryDecision = "hold"
	CanaryRollback CanaryDecision = "rollback"
)

// CanarySample is the stage-local health observation.
type CanarySample struct {
	StalledRateRebound float64
	TerminalReversals  int
	ResumeFailureSpike float64
}

// DecideCanary evaluates one stage. Any rollback trigger wins; a healthy
// sample promotes to the next stage, or holds at 100%.
func DecideCanary(stage int, s CanarySample) (CanaryDecision, int) {
	if s.StalledRateRebound > 0.05 || s.TerminalReversals > 0 || s.ResumeFailureSpike > 0.03 {
		return CanaryRollback, stage
	}
	for i, pct := range CanaryStages {
		if pct == stage && i+1 < len(CanaryStages) {
			return CanaryPromote, CanaryStages[i+1]
		}
	}
	return CanaryHold, stage
}

// ReleaseGate passes when the canary did not roll back and every SLO holds.
func ReleaseGate(decision CanaryDecision, slo SLOResult) bool {
	return decision != CanaryRollback && slo.AllPass
}
