// Package agent defines the narrow interface through which the run
// orchestrator talks to an upstream LLM. Vendor-specific protocol
// translation lives behind this boundary and is not part of this service.
package agent

import "context"

// Message is one conversation entry sent to the agent.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the assembled context for one turn.
type Request struct {
	Instruction string    `json:"instruction"`
	Messages    []Message `json:"messages"`

	// OnDelta, when set, receives incremental output fragments as they
	// arrive. The full text is still returned in the response.
	OnDelta func(delta string) `json:"-"`
}

// Response is the agent's reply for one turn.
type Response struct {
	OK         bool           `json:"ok"`
	OutputText string         `json:"output_text"`
	Error      string         `json:"error,omitempty"`
	DebugMeta  map[string]any `json:"debug_meta,omitempty"`
}

// Gateway invokes the agent. Implementations must honor context
// cancellation so an in-flight network call can be aborted when a run is
// cancelled.
type Gateway interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}
