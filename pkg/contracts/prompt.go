package contracts

import (
	"encoding/json"
)

// Prompt is everything a confirmation surface shows the human.
type Prompt struct {
	Origin  string          `json:"host"`
	ID      string          `json:"id"`
	Params  json.RawMessage `json:"params"`
	Type    string          `json:"type"`
	Preview string          `json:"result,omitempty"`
}

// PromptResponse is sent back by the confirmation surface. Conditions is nil
// when the human answered only for this request; otherwise a policy is
// recorded for (origin, accept, type).
type PromptResponse struct {
	Token      string      `json:"token"`
	Accept     bool        `json:"accept"`
	Conditions *Conditions `json:"conditions,omitempty"`
}
