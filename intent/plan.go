package intent

import (
	"github.com/noderouter/noderouter/proto"
	"github.com/noderouter/noderouter/registry"
)

// Plan is the IntentPlan of spec §4.7.
type Plan struct {
	CanonicalIntent        string             `json:"canonical_intent"`
	Confidence             float64            `json:"confidence"`
	RiskClass              registry.RiskClass `json:"risk_class,omitempty"`
	ReasonCodes            []string           `json:"reason_codes,omitempty"`
	RequiredExtensions     []string           `json:"required_extensions,omitempty"`
	TargetCapabilities     []string           `json:"target_capabilities,omitempty"`
	ClarificationRequired  bool               `json:"clarification_required"`
	ClarificationPrompt    string             `json:"clarification_prompt,omitempty"`
	Payload                map[string]any     `json:"payload"`
	RequiredConfirmation   bool               `json:"required_confirmation"`
	ErrorCode              proto.ErrorCode    `json:"error_code,omitempty"`
}
