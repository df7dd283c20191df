package adapter

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-router/internal/model"
)

// StreamAdapter re-frames an upstream SSE stream into the client's dialect.
// One adapter instance serves exactly one stream: ProcessChunk is fed raw
// upstream bytes at arbitrary boundaries and returns zero or more complete
// frames to forward; Finalize is called once on clean upstream EOF and emits
// whatever closing frames the target dialect still requires.
//
// After a terminal frame has been emitted (either because the upstream
// signalled its own end or because an in-band error was translated), both
// methods return nil.
type StreamAdapter interface {
	ProcessChunk(chunk []byte) [][]byte
	Finalize() [][]byte
}

// NewStreamAdapter returns the transcoder for the given style pair. Identical
// styles get a passthrough. Claude↔Responses conversion is composed through
// the canonical chat.completions framing.
func NewStreamAdapter(from, to model.APIStyle) StreamAdapter {
	if from == to {
		return &passthroughStream{}
	}
	switch {
	case from == model.StyleClaude && to == model.StyleOpenAI:
		return newClaudeToChatStream()
	case from == model.StyleOpenAI && to == model.StyleClaude:
		return newChatToClaudeStream()
	case from == model.StyleOpenAI && to == model.StyleResponses:
		return WrapChatStream()
	case from == model.StyleResponses && to == model.StyleOpenAI:
		return newResponsesToChatStream()
	case from == model.StyleClaude && to == model.StyleResponses:
		return &chainStream{first: newClaudeToChatStream(), second: WrapChatStream()}
	case from == model.StyleResponses && to == model.StyleClaude:
		return &chainStream{first: newResponsesToChatStream(), second: newChatToClaudeStream()}
	}
	return &passthroughStream{}
}

// ── Passthrough ───────────────────────────────────────────────────────────────

type passthroughStream struct{}

func (p *passthroughStream) ProcessChunk(chunk []byte) [][]byte {
	if len(chunk) == 0 {
		return nil
	}
	out := make([]byte, len(chunk))
	copy(out, chunk)
	return [][]byte{out}
}

func (p *passthroughStream) Finalize() [][]byte { return nil }

// ── Composition ───────────────────────────────────────────────────────────────

// chainStream pipes the frames of one transcoder into another.
type chainStream struct {
	first  StreamAdapter
	second StreamAdapter
}

func (c *chainStream) ProcessChunk(chunk []byte) [][]byte {
	var out [][]byte
	for _, frame := range c.first.ProcessChunk(chunk) {
		out = append(out, c.second.ProcessChunk(frame)...)
	}
	return out
}

func (c *chainStream) Finalize() [][]byte {
	var out [][]byte
	for _, frame := range c.first.Finalize() {
		out = append(out, c.second.ProcessChunk(frame)...)
	}
	return append(out, c.second.Finalize()...)
}

// ── Claude → OpenAI ───────────────────────────────────────────────────────────

// chatChunk is the OpenAI chat.completion.chunk frame body.
type chatChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []chatChunkChoice `json:"choices"`
}

type chatChunkChoice struct {
	Index        int            `json:"index"`
	Delta        chatChunkDelta `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

type chatChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type claudeToChatStream struct {
	scanner    sseScanner
	id         string
	model      string
	created    int64
	stopReason string
	terminated bool
}

func newClaudeToChatStream() *claudeToChatStream {
	return &claudeToChatStream{
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
	}
}

func (t *claudeToChatStream) ProcessChunk(chunk []byte) [][]byte {
	if t.terminated {
		return nil
	}

	var out [][]byte
	for _, ev := range t.scanner.Feed(chunk) {
		frames, done := t.handleEvent(ev)
		out = append(out, frames...)
		if done {
			t.terminated = true
			break
		}
	}
	return out
}

func (t *claudeToChatStream) handleEvent(ev sseEvent) ([][]byte, bool) {
	event := ev.Event
	if event == "" {
		var probe struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(ev.Data), &probe)
		event = probe.Type
	}

	switch event {
	case "message_start":
		var start struct {
			Message struct {
				ID    string `json:"id"`
				Model string `json:"model"`
			} `json:"message"`
		}
		_ = json.Unmarshal([]byte(ev.Data), &start)
		if start.Message.ID != "" {
			t.id = start.Message.ID
		}
		t.model = start.Message.Model
		return [][]byte{DataFrame(t.chunk(chatChunkDelta{Role: "assistant"}, nil))}, false

	case "content_block_delta":
		var delta struct {
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		_ = json.Unmarshal([]byte(ev.Data), &delta)
		if delta.Delta.Text == "" {
			return nil, false
		}
		return [][]byte{DataFrame(t.chunk(chatChunkDelta{Content: delta.Delta.Text}, nil))}, false

	case "message_delta":
		var md struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
		}
		_ = json.Unmarshal([]byte(ev.Data), &md)
		if md.Delta.StopReason != "" {
			t.stopReason = md.Delta.StopReason
		}
		return nil, false

	case "message_stop":
		finish := stopToFinishReason(t.stopReason)
		return [][]byte{
			DataFrame(t.chunk(chatChunkDelta{}, &finish)),
			DoneFrame(),
		}, true

	case "error":
		var e struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal([]byte(ev.Data), &e)
		msg := e.Error.Message
		if msg == "" {
			msg = "upstream stream error"
		}
		return [][]byte{ErrorFrame(model.StyleOpenAI, msg)}, true
	}

	// ping, content_block_start, content_block_stop carry nothing for
	// the chat framing.
	return nil, false
}

func (t *claudeToChatStream) Finalize() [][]byte {
	if t.terminated {
		return nil
	}
	t.terminated = true
	finish := stopToFinishReason(t.stopReason)
	return [][]byte{
		DataFrame(t.chunk(chatChunkDelta{}, &finish)),
		DoneFrame(),
	}
}

func (t *claudeToChatStream) chunk(delta chatChunkDelta, finish *string) []byte {
	return mustJSON(chatChunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []chatChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
}

// ── OpenAI → Claude ───────────────────────────────────────────────────────────

type chatToClaudeStream struct {
	scanner      sseScanner
	id           string
	model        string
	started      bool
	blockOpen    bool
	finishReason string
	outputTokens int
	terminated   bool
}

func newChatToClaudeStream() *chatToClaudeStream {
	return &chatToClaudeStream{id: "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")}
}

func (t *chatToClaudeStream) ProcessChunk(chunk []byte) [][]byte {
	if t.terminated {
		return nil
	}

	var out [][]byte
	for _, ev := range t.scanner.Feed(chunk) {
		frames, done := t.handleEvent(ev)
		out = append(out, frames...)
		if done {
			t.terminated = true
			break
		}
	}
	return out
}

func (t *chatToClaudeStream) handleEvent(ev sseEvent) ([][]byte, bool) {
	if ev.Data == "[DONE]" {
		return t.closingFrames(), true
	}

	var frame struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
		return nil, false
	}

	if frame.Error != nil {
		msg := frame.Error.Message
		if msg == "" {
			msg = "upstream stream error"
		}
		return [][]byte{ErrorFrame(model.StyleClaude, msg)}, true
	}

	var out [][]byte
	if !t.started {
		t.started = true
		if frame.Model != "" {
			t.model = frame.Model
		}
		out = append(out, EventFrame("message_start", mustJSON(map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            t.id,
				"type":          "message",
				"role":          "assistant",
				"model":         t.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		})))
	}

	for _, ch := range frame.Choices {
		if ch.Delta.Content != "" {
			if !t.blockOpen {
				t.blockOpen = true
				out = append(out, EventFrame("content_block_start", mustJSON(map[string]any{
					"type":          "content_block_start",
					"index":         0,
					"content_block": map[string]any{"type": "text", "text": ""},
				})))
			}
			t.outputTokens++
			out = append(out, EventFrame("content_block_delta", mustJSON(map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]any{"type": "text_delta", "text": ch.Delta.Content},
			})))
		}
		if ch.FinishReason != nil && *ch.FinishReason != "" {
			t.finishReason = *ch.FinishReason
		}
	}
	return out, false
}

func (t *chatToClaudeStream) Finalize() [][]byte {
	if t.terminated {
		return nil
	}
	t.terminated = true
	return t.closingFrames()
}

func (t *chatToClaudeStream) closingFrames() [][]byte {
	var out [][]byte
	if t.blockOpen {
		out = append(out, EventFrame("content_block_stop", mustJSON(map[string]any{
			"type":  "content_block_stop",
			"index": 0,
		})))
	}
	out = append(out, EventFrame("message_delta", mustJSON(map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   finishToStopReason(t.finishReason),
			"stop_sequence": nil,
		},
		"usage": map[string]int{"output_tokens": t.outputTokens},
	})))
	out = append(out, EventFrame("message_stop", mustJSON(map[string]any{
		"type": "message_stop",
	})))
	return out
}

// ── OpenAI → Responses ────────────────────────────────────────────────────────

// WrapChatStream re-frames a chat.completions stream as a Responses stream.
// This is the single Responses stream path: every upstream dialect is first
// normalised to chat framing, then wrapped here.
func WrapChatStream() StreamAdapter {
	return &chatToResponsesStream{id: "resp_" + strings.ReplaceAll(uuid.NewString(), "-", "")}
}

type chatToResponsesStream struct {
	scanner    sseScanner
	id         string
	model      string
	started    bool
	text       strings.Builder
	finish     string
	terminated bool
}

func (t *chatToResponsesStream) ProcessChunk(chunk []byte) [][]byte {
	if t.terminated {
		return nil
	}

	var out [][]byte
	for _, ev := range t.scanner.Feed(chunk) {
		frames, done := t.handleEvent(ev)
		out = append(out, frames...)
		if done {
			t.terminated = true
			break
		}
	}
	return out
}

func (t *chatToResponsesStream) handleEvent(ev sseEvent) ([][]byte, bool) {
	if ev.Data == "[DONE]" {
		return t.closingFrames(), true
	}

	var frame struct {
		Model   string `json:"model"`
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
		return nil, false
	}

	if frame.Error != nil {
		msg := frame.Error.Message
		if msg == "" {
			msg = "upstream stream error"
		}
		return [][]byte{ErrorFrame(model.StyleResponses, msg)}, true
	}

	var out [][]byte
	if !t.started {
		t.started = true
		if frame.Model != "" {
			t.model = frame.Model
		}
		out = append(out, EventFrame("response.created", mustJSON(map[string]any{
			"type":     "response.created",
			"response": t.snapshot("in_progress", ""),
		})))
	}

	for _, ch := range frame.Choices {
		if ch.Delta.Content != "" {
			t.text.WriteString(ch.Delta.Content)
			out = append(out, EventFrame("response.output_text.delta", mustJSON(map[string]any{
				"type":  "response.output_text.delta",
				"delta": ch.Delta.Content,
			})))
		}
		if ch.FinishReason != nil && *ch.FinishReason != "" {
			t.finish = *ch.FinishReason
		}
	}
	return out, false
}

func (t *chatToResponsesStream) Finalize() [][]byte {
	if t.terminated {
		return nil
	}
	t.terminated = true
	return t.closingFrames()
}

func (t *chatToResponsesStream) closingFrames() [][]byte {
	full := t.text.String()
	status := "completed"
	if t.finish == "length" {
		status = "incomplete"
	}
	return [][]byte{
		EventFrame("response.output_text.done", mustJSON(map[string]any{
			"type": "response.output_text.done",
			"text": full,
		})),
		EventFrame("response.completed", mustJSON(map[string]any{
			"type":     "response.completed",
			"response": t.snapshot(status, full),
		})),
	}
}

func (t *chatToResponsesStream) snapshot(status, text string) map[string]any {
	resp := map[string]any{
		"id":     t.id,
		"object": "response",
		"model":  t.model,
		"status": status,
		"output": []any{},
	}
	if text != "" {
		resp["output"] = []any{map[string]any{
			"type": "message",
			"role": "assistant",
			"content": []any{
				map[string]any{"type": "output_text", "text": text},
			},
		}}
		resp["output_text"] = text
	}
	return resp
}

// ── Responses → OpenAI ────────────────────────────────────────────────────────

type responsesToChatStream struct {
	scanner    sseScanner
	id         string
	model      string
	created    int64
	terminated bool
}

func newResponsesToChatStream() *responsesToChatStream {
	return &responsesToChatStream{
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
	}
}

func (t *responsesToChatStream) ProcessChunk(chunk []byte) [][]byte {
	if t.terminated {
		return nil
	}

	var out [][]byte
	for _, ev := range t.scanner.Feed(chunk) {
		frames, done := t.handleEvent(ev)
		out = append(out, frames...)
		if done {
			t.terminated = true
			break
		}
	}
	return out
}

func (t *responsesToChatStream) handleEvent(ev sseEvent) ([][]byte, bool) {
	event := ev.Event
	if event == "" {
		var probe struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(ev.Data), &probe)
		event = probe.Type
	}

	switch event {
	case "response.created":
		var created struct {
			Response struct {
				ID    string `json:"id"`
				Model string `json:"model"`
			} `json:"response"`
		}
		_ = json.Unmarshal([]byte(ev.Data), &created)
		t.model = created.Response.Model
		return [][]byte{DataFrame(t.chunk(chatChunkDelta{Role: "assistant"}, nil))}, false

	case "response.output_text.delta":
		var delta struct {
			Delta string `json:"delta"`
		}
		_ = json.Unmarshal([]byte(ev.Data), &delta)
		if delta.Delta == "" {
			return nil, false
		}
		return [][]byte{DataFrame(t.chunk(chatChunkDelta{Content: delta.Delta}, nil))}, false

	case "response.completed", "response.incomplete":
		finish := "stop"
		if event == "response.incomplete" {
			finish = "length"
		}
		var completed struct {
			Response struct {
				Status string `json:"status"`
			} `json:"response"`
		}
		_ = json.Unmarshal([]byte(ev.Data), &completed)
		if completed.Response.Status == "incomplete" {
			finish = "length"
		}
		return [][]byte{
			DataFrame(t.chunk(chatChunkDelta{}, &finish)),
			DoneFrame(),
		}, true

	case "error", "response.failed":
		var e struct {
			Message string `json:"message"`
			Error   struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal([]byte(ev.Data), &e)
		msg := e.Message
		if msg == "" {
			msg = e.Error.Message
		}
		if msg == "" {
			msg = "upstream stream error"
		}
		return [][]byte{ErrorFrame(model.StyleOpenAI, msg)}, true
	}

	return nil, false
}

func (t *responsesToChatStream) Finalize() [][]byte {
	if t.terminated {
		return nil
	}
	t.terminated = true
	finish := "stop"
	return [][]byte{
		DataFrame(t.chunk(chatChunkDelta{}, &finish)),
		DoneFrame(),
	}
}

func (t *responsesToChatStream) chunk(delta chatChunkDelta, finish *string) []byte {
	return mustJSON(chatChunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []chatChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
}
