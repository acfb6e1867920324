package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	nplugin "github.com/nbot-dev/nbot/pkg/plugin"
)

// GroupInfoDispatcher is the subset of *Client used for the group-info
// request family, narrowed so Gateway doesn't need the full transport
// surface.
type GroupInfoDispatcher interface {
	DispatchGroupInfo(ctx context.Context, kind, wireRequestID string, payload map[string]any) error
}

// Gateway implements capability.AsyncGateway, routing the LLM family to an
// HTTP LLM backend and every other kind to the OneBot group-info family
// (§3's Pending Request kind enumeration), per spec.md's "LLM gateway" and
// transport adapter being the two external collaborators the broker
// dispatches to.
type Gateway struct {
	transport GroupInfoDispatcher
	llmURL    string
	http      *http.Client
}

// NewGateway constructs a Gateway. llmURL is the base URL of an HTTP
// endpoint that accepts {requestId, kind, payload} and later posts the
// response back asynchronously to this host's /llm/callback route, which
// cmd/nbotd serves with LLMCallbackHandler.
func NewGateway(transport GroupInfoDispatcher, llmURL string) *Gateway {
	return &Gateway{
		transport: transport,
		llmURL:    llmURL,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Dispatch implements capability.AsyncGateway.
func (g *Gateway) Dispatch(ctx context.Context, kind nplugin.RequestKind, wireRequestID string, payload map[string]any) error {
	if kind.IsLLM() {
		return g.dispatchLLM(ctx, kind, wireRequestID, payload)
	}
	return g.transport.DispatchGroupInfo(ctx, string(kind), wireRequestID, payload)
}

func (g *Gateway) dispatchLLM(ctx context.Context, kind nplugin.RequestKind, wireRequestID string, payload map[string]any) error {
	if g.llmURL == "" {
		return fmt.Errorf("transport: no LLM gateway url configured")
	}
	body, err := json.Marshal(map[string]any{
		"requestId": wireRequestID,
		"kind":      kind,
		"payload":   payload,
	})
	if err != nil {
		return fmt.Errorf("transport: marshaling llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.llmURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: building llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport: calling llm gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transport: llm gateway returned status %d", resp.StatusCode)
	}
	return nil
}
