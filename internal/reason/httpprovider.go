package reason

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// systemPrompt instructs the model to answer with the exact proposal schema.
// Anything else fails Validate and drops through to the next provider.
const systemPrompt = `You tune a residential heat pump. Given current metrics,
device state, and parameter definitions, respond with a single JSON object:
{"action":"adjust"|"hold","parameter":string,"current_value":number,
"suggested_value":number,"reasoning":string,"confidence":number (0-1),
"expected_impact":number (fractional efficiency gain)}.
Respect each parameter's bounds and max_step. Respond with JSON only.`

// HTTPProvider calls an OpenAI-compatible chat-completions endpoint.
type HTTPProvider struct {
	name       string
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

// HTTPOption configures an HTTPProvider during construction.
type HTTPOption func(*HTTPProvider)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) { p.httpClient = c }
}

// WithTimeout sets a timeout on the HTTP client.
func WithTimeout(d time.Duration) HTTPOption {
	return func(p *HTTPProvider) { p.httpClient.Timeout = d }
}

// NewHTTPProvider creates a provider for an OpenAI-compatible API.
func NewHTTPProvider(name, baseURL, model, apiKey string, opts ...HTTPOption) (*HTTPProvider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("reason: baseURL is required")
	}
	p := &HTTPProvider{
		name:       name,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *HTTPProvider) Name() string { return p.name }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Propose sends the context bundle and parses the reply as a Proposal.
func (p *HTTPProvider) Propose(ctx context.Context, rc Context) (*Proposal, error) {
	contextJSON, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	body, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(contextJSON)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", p.name)
	}

	content := extractJSON(cr.Choices[0].Message.Content)
	var prop Proposal
	if err := json.Unmarshal([]byte(content), &prop); err != nil {
		return nil, fmt.Errorf("%w: unparseable proposal: %v", ErrSchema, err)
	}
	return &prop, nil
}

// extractJSON strips markdown fences and surrounding prose, keeping the
// outermost JSON object. Models wrap their answers more often than not.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
