package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPGateway is a minimal JSON-over-HTTP gateway client. It posts the
// assembled context to a single completion endpoint and reads back the
// output text. Anything protocol-specific beyond that belongs in the
// upstream service it talks to.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPGateway creates a gateway client for the given base URL.
func NewHTTPGateway(baseURL, apiKey, model string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type httpRequest struct {
	Model       string    `json:"model"`
	Instruction string    `json:"instruction"`
	Messages    []Message `json:"messages"`
}

type httpResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Invoke posts the request and returns the agent's reply. The passed
// context aborts the HTTP call when cancelled.
func (g *HTTPGateway) Invoke(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(httpRequest{
		Model:       g.model,
		Instruction: req.Instruction,
		Messages:    req.Messages,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/complete", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &Response{OK: false, Error: fmt.Sprintf("agent returned %d: %s", resp.StatusCode, truncate(string(data), 512))}, nil
	}

	var out httpResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}
	if out.Error != "" {
		return &Response{OK: false, Error: out.Error}, nil
	}

	if req.OnDelta != nil && out.Text != "" {
		req.OnDelta(out.Text)
	}

	return &Response{OK: true, OutputText: out.Text}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
