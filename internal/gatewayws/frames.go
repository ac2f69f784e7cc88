package gatewayws

import "encoding/json"

// Frame type discriminators.
const (
	frameTypeReq   = "req"
	frameTypeRes   = "res"
	frameTypeEvent = "event"
)

// reqFrame is an outgoing request frame.
type reqFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// resFrame is an incoming response frame.
type resFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *resError       `json:"error,omitempty"`
}

type resError struct {
	Message string `json:"message"`
}

// eventFrame is an incoming event frame.
type eventFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// inboundFrame is used to peek at the discriminator before unmarshalling
// into the specific frame shape.
type inboundFrame struct {
	Type string `json:"type"`
}

// connectChallengePayload is the payload of a connect.challenge event.
type connectChallengePayload struct {
	Nonce string `json:"nonce"`
}

// deviceBlock identifies and authenticates the device in a connect request.
type deviceBlock struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// connectParams is the params payload of a connect request.
type connectParams struct {
	MinProtocol    int         `json:"minProtocol"`
	MaxProtocol    int         `json:"maxProtocol"`
	ClientID       string      `json:"clientId"`
	Role           string      `json:"role"`
	Scopes         []string    `json:"scopes"`
	SessionToken   string      `json:"sessionToken,omitempty"`
	SharedToken    string      `json:"sharedToken,omitempty"`
	SharedPassword string      `json:"sharedPassword,omitempty"`
	Device         deviceBlock `json:"device"`
}

// connectResultPayload is the payload of a successful connect response.
type connectResultPayload struct {
	Auth struct {
		DeviceToken string `json:"deviceToken"`
	} `json:"auth"`
}

// agentParams is the params payload of an agent execution request.
type agentParams struct {
	Message        string `json:"message"`
	SessionKey     string `json:"sessionKey"`
	AgentID        string `json:"agentId"`
	TimeoutSec     int    `json:"timeout"`
	Deliver        bool   `json:"deliver,omitempty"`
	Channel        string `json:"channel,omitempty"`
	To             string `json:"to,omitempty"`
	AccountID      string `json:"accountId,omitempty"`
	ThreadID       string `json:"threadId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// AgentResult is the defensively-extracted shape of an agent call's
// result payload: every field is independently type-checked since the
// gateway makes no structural promise beyond "an object".
type AgentResult struct {
	Payloads   []AgentPayload
	Usage      map[string]any
	Model      string
	Provider   string
	DurationMs int64
}

// AgentPayload is one entry of an agent result's payloads array.
type AgentPayload struct {
	Text    string
	IsError bool
}
