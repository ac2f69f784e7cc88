package taskexec

import (
	"encoding/json"
	"strings"

	"github.com/fluxhive/runner/internal/wireclient"
)

// renderPrompt prefers the packet's pre-rendered prompt text; otherwise it
// synthesises one from the template, JSON-encoded vars, JSON-encoded
// context, and the JSON-encoded task shape, separated by blank lines.
func renderPrompt(p wireclient.Packet) string {
	if p.Prompt != nil && p.Prompt.Rendered != "" {
		return p.Prompt.Rendered
	}

	var parts []string
	if p.PromptPlan != nil && p.PromptPlan.Template != "" {
		parts = append(parts, p.PromptPlan.Template)
	}
	if p.PromptPlan != nil && len(p.PromptPlan.Vars) > 0 {
		if b, err := json.Marshal(p.PromptPlan.Vars); err == nil {
			parts = append(parts, string(b))
		}
	}
	if len(p.Context) > 0 {
		parts = append(parts, string(p.Context))
	}
	if len(p.Raw) > 0 {
		parts = append(parts, string(p.Raw))
	}
	return strings.Join(parts, "\n\n")
}
