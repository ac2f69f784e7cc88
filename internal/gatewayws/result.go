package gatewayws

import "encoding/json"

// extractAgentResult defensively pulls fields out of an agent call's
// payload.result, independently type-checking each one since the gateway
// makes no structural guarantee beyond "an object".
func extractAgentResult(payload []byte) AgentResult {
	var outer struct {
		Result json.RawMessage `json:"result"`
	}
	_ = json.Unmarshal(payload, &outer)
	body := outer.Result
	if len(body) == 0 {
		body = payload
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return AgentResult{}
	}

	var result AgentResult
	if s, ok := raw["model"].(string); ok {
		result.Model = s
	}
	if s, ok := raw["provider"].(string); ok {
		result.Provider = s
	}
	if n, ok := raw["durationMs"].(float64); ok {
		result.DurationMs = int64(n)
	}
	if u, ok := raw["usage"].(map[string]any); ok {
		result.Usage = u
	}
	if list, ok := raw["payloads"].([]any); ok {
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			var p AgentPayload
			if s, ok := m["text"].(string); ok {
				p.Text = s
			}
			if b, ok := m["isError"].(bool); ok {
				p.IsError = b
			}
			result.Payloads = append(result.Payloads, p)
		}
	}
	return result
}
