// Package gates holds the human-approval payload builder and the release
// health gates.
package gates

import (
	"fmt"
	"sort"
)

// AuditPayload is the 7-field summary a human reviews before a run may
// execute.
type AuditPayload struct {
	Status          string   `json:"status"`
	JobID           string   `json:"job_id"`
	RunID           string   `json:"run_id"`
	Goal            string   `json:"goal"`
	ImpactScope     string   `json:"impact_scope"`
	RiskItems       string   `json:"risk_items"`
	CommandPreview  string   `json:"command_preview"`
	UserInstruction string   `json:"user_instruction"`
	MissingFields   []string `json:"missing_fields,omitempty"`
}

// AuditInput carries whatever the orchestrator knows when the gate fires.
// Empty fields are permitted; the payload marks them rather than drop them.
type AuditInput struct {
	Status          string
	JobID           string
	RunID           string
	Goal            string
	ImpactScope     string
	RiskItems       string
	CommandPreview  string
	UserInstruction string
}

// BuildAuditPayload fills every required field, substituting
// "UNKNOWN (missing <field>)" for absent inputs and listing them.
func BuildAuditPayload(in AuditInput) AuditPayload {
	var missing []string
	fill := func(name, value string) string {
		if value == "" {
			missing = append(missing, name)
			return fmt.Sprintf("UNKNOWN (missing %s)", name)
		}
		return value
	}

	p := AuditPayload{
		Status:          fill("status", in.Status),
		JobID:           fill("job_id", in.JobID),
		RunID:           fill("run_id", in.RunID),
		Goal:            fill("goal", in.Goal),
		ImpactScope:     fill("impact_scope", in.ImpactScope),
		RiskItems:       fill("risk_items", in.RiskItems),
		CommandPreview:  fill("command_preview", in.CommandPreview),
		UserInstruction: fill("user_instruction", in.UserInstruction),
	}
	sort.Strings(missing)
	p.MissingFields = missing
	return p
}
