package transport

import (
	"encoding/json"
	"net/http"
)

// llmCallbackBody is what the LLM gateway posts back once a request
// dispatched via Gateway.dispatchLLM completes.
type llmCallbackBody struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Content   string `json:"content"`
	Reason    string `json:"reason"`
}

// LLMCallbackHandler returns an http.HandlerFunc that resolves a pending
// LLM request against resolver once the LLM gateway posts its result back.
// Mounted by cmd/nbotd alongside the admin API, since the broker has no
// transport of its own to receive this on.
func LLMCallbackHandler(resolver Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body llmCallbackBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body.RequestID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resolver.Resolve(body.RequestID, body.Success, body.Content, body.Reason, nil, "")
		w.WriteHeader(http.StatusNoContent)
	}
}
