package tools

import (
	"context"

	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/templatedata"
)

// ClaimProfile returns the demo claimant profile. The backing claims system
// is out of scope, so every lookup resolves to the same record.
type ClaimProfile struct{}

func (ClaimProfile) Name() string { return "lookupClaimProfile" }

func (ClaimProfile) Description() string {
	return "Look up the caller's open claim profile: claim number, status, vehicle, and assigned adjuster."
}

func (ClaimProfile) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"phoneNumber": map[string]any{
				"type":        "string",
				"description": "Caller phone number in E.164 format.",
			},
		},
	}
}

func (ClaimProfile) Execute(_ context.Context, _ map[string]any, data templatedata.ToolData) Result {
	profile := map[string]any{
		"name":         "Jordan Kim",
		"claimNumber":  "CLM-2026-48271",
		"status":       "estimate under review",
		"policyNumber": "POL-88341-AZ",
		"vehicle":      "2023 Honda CR-V",
		"lossDate":     "2026-08-14",
		"deductible":   500,
		"adjuster": map[string]any{
			"name":  "Maria Santos",
			"phone": data.AdjusterPhone,
		},
		"nextStep": "Adjuster review of the repair estimate, expected within 2 business days.",
	}
	return OK(profile)
}
