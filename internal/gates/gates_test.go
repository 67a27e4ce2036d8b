package gates

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildAuditPayloadComplete(t *testing.T) {
	p := BuildAuditPayload(AuditInput{
		Status:          "awaiting_audit",
		JobID:           "j1",
		RunID:           "r1",
		Goal:            "ship the feature",
		ImpactScope:     "api service",
		RiskItems:       "schema migration",
		CommandPreview:  "maestro worker --once",
		UserInstruction: "review the migration",
	})
	assert.Empty(t, p.MissingFields)
	assert.Equal(t, "j1", p.JobID)
	assert.Equal(t, "ship the feature", p.Goal)
}

func TestBuildAuditPayloadFillsMissing(t *testing.T) {
	p := BuildAuditPayload(AuditInput{Status: "awaiting_audit", JobID: "j1", Goal: "ship it"})

	assert.Equal(t, "UNKNOWN (missing run_id)", p.RunID)
	assert.Equal(t, "UNKNOWN (missing impact_scope)", p.ImpactScope)
	assert.Equal(t, "UNKNOWN (missing risk_items)", p.RiskItems)
	assert.Equal(t, "UNKNOWN (missing command_preview)", p.CommandPreview)
	assert.Equal(t, "UNKNOWN (missing user_instruction)", p.UserInstruction)
	assert.Equal(t, []string{"command_preview", "impact_scope", "risk_items", "run_id", "user_instruction"}, p.MissingFields)
}

func TestEvaluateSLO(t *testing.T) {
	healthy := EvaluateSLO(Metrics{StalledRate: 0.01, ResumeSuccessRate: 0.995, TerminalReversals: 0})
	assert.True(t, healthy.AllPass)

	stalled := EvaluateSLO(Metrics{StalledRate: 0.03, ResumeSuccessRate: 1, TerminalReversals: 0})
	assert.False(t, stalled.StalledOK)
	assert.False(t, stalled.AllPass)

	reversal := EvaluateSLO(Metrics{StalledRate: 0, ResumeSuccessRate: 1, TerminalReversals: 1})
	assert.False(t, reversal.TerminalOK)
	assert.False(t, reversal.AllPass)
}

func TestDecideCanary(t *testing.T) {
	d, next := DecideCanary(5, CanarySample{})
	assert.Equal(t, CanaryPromote, d)
	assert.Equal(t, 20, next)

	d, next = DecideCanary(100, CanarySample{})
	assert.Equal(t, CanaryHold, d)
	assert.Equal(t, 100, next)

	d, _ = DecideCanary(20, CanarySample{StalledRateRebound: 0.06})
	assert.Equal(t, CanaryRollback, d)
	d, _ = DecideCanary(20, CanarySample{TerminalReversals: 1})
	assert.Equal(t, CanaryRollback, d)
	d, _ = DecideCanary(20, CanarySample{ResumeFailureSpike: 0.04})
	assert.Equal(t, CanaryRollback, d)
}

func TestReleaseGate(t *testing.T) {
	pass := EvaluateSLO(Metrics{StalledRate: 0, ResumeSuccessRate: 1})
	fail := EvaluateSLO(Metrics{TerminalReversals: 2, ResumeSuccessRate: 1})

	assert.True(t, ReleaseGate(CanaryPromote, pass))
	assert.True(t, ReleaseGate(CanaryHold, pass))
	assert.False(t, ReleaseGate(CanaryRollback, pass))
	assert.False(t, ReleaseGate(CanaryPromote, fail))
}
