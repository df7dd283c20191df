package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newResponsesHandler simulates the OpenAI Responses API.
func newResponsesHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/responses", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}

		model := req.Model
		if model == "" {
			model = "gpt-4o"
		}

		id := fmt.Sprintf("resp_mock%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)

		if req.Stream {
			serveResponsesStream(w, id, model, content)
			return
		}

		writeJSON(w, http.StatusOK, responsesBody(id, model, content, "completed"))
	})

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o", "object": "model", "owned_by": "openai"},
				{"id": "o4-mini", "object": "model", "owned_by": "openai"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// responsesBody builds the non-streaming Responses object.
func responsesBody(id, model, content, status string) map[string]any {
	return map[string]any{
		"id":         id,
		"object":     "response",
		"created_at": time.Now().Unix(),
		"status":     status,
		"model":      model,
		"output": []map[string]any{
			{
				"id":     "msg_" + id,
				"type":   "message",
				"role":   "assistant",
				"status": status,
				"content": []map[string]any{
					{"type": "output_text", "text": content, "annotations": []any{}},
				},
			},
		},
		"usage": map[string]int{
			"input_tokens":  10,
			"output_tokens": len(strings.Fields(content)),
			"total_tokens":  10 + len(strings.Fields(content)),
		},
	}
}

// serveResponsesStream writes the Responses event sequence: response.created,
// output_text deltas, output_text.done, response.completed.
func serveResponsesStream(w http.ResponseWriter, id, model, content string) {
	flusher := sseStart(w)

	emit := func(event string, v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit("response.created", map[string]any{
		"type":     "response.created",
		"response": responsesBody(id, model, "", "in_progress"),
	})

	for _, word := range strings.Fields(content) {
		emit("response.output_text.delta", map[string]any{
			"type":         "response.output_text.delta",
			"item_id":      "msg_" + id,
			"output_index": 0,
			"delta":        word + " ",
		})
	}

	emit("response.output_text.done", map[string]any{
		"type":         "response.output_text.done",
		"item_id":      "msg_" + id,
		"output_index": 0,
		"text":         content,
	})
	emit("response.completed", map[string]any{
		"type":     "response.completed",
		"response": responsesBody(id, model, content, "completed"),
	})
}
