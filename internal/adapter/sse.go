package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/llm-router/internal/model"
)

// sseEvent is one parsed Server-Sent-Events record.
type sseEvent struct {
	Event string
	Data  string
}

// sseScanner incrementally splits a byte stream into SSE events. Feed may be
// called with arbitrary chunk boundaries; incomplete events stay buffered.
type sseScanner struct {
	buf []byte
}

// Feed appends b and returns every complete event found so far.
func (s *sseScanner) Feed(b []byte) []sseEvent {
	s.buf = append(s.buf, b...)

	var events []sseEvent
	for {
		idx := bytes.Index(s.buf, []byte("\n\n"))
		crlf := false
		if cr := bytes.Index(s.buf, []byte("\r\n\r\n")); cr != -1 && (idx == -1 || cr < idx) {
			idx = cr
			crlf = true
		}
		if idx == -1 {
			return events
		}

		block := s.buf[:idx]
		if crlf {
			s.buf = s.buf[idx+4:]
		} else {
			s.buf = s.buf[idx+2:]
		}

		if ev, ok := parseSSEBlock(block); ok {
			events = append(events, ev)
		}
	}
}

func parseSSEBlock(block []byte) (sseEvent, bool) {
	var ev sseEvent
	var dataLines [][]byte

	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			ev.Event = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimSpace(line[len("data:"):]))
		}
	}

	if ev.Event == "" && len(dataLines) == 0 {
		return ev, false
	}
	ev.Data = string(bytes.Join(dataLines, []byte("\n")))
	return ev, true
}

// ── Frame builders ────────────────────────────────────────────────────────────

// DataFrame builds an OpenAI-style "data: …" frame.
func DataFrame(data []byte) []byte {
	return []byte(fmt.Sprintf("data: %s\n\n", data))
}

// DoneFrame is the OpenAI-style terminal frame.
func DoneFrame() []byte {
	return []byte("data: [DONE]\n\n")
}

// EventFrame builds a Claude-style "event: …\ndata: …" frame.
func EventFrame(event string, data []byte) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
}

// ErrorFrame builds the style-correct in-band error frame. It is the
// stream's terminal frame: no [DONE] or message_stop may follow it.
func ErrorFrame(style model.APIStyle, message string) []byte {
	switch style {
	case model.StyleClaude:
		return EventFrame("error", mustJSON(map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "upstream_error",
				"message": message,
			},
		}))
	case model.StyleResponses:
		return EventFrame("error", mustJSON(map[string]any{
			"type":    "error",
			"code":    "upstream_error",
			"message": message,
		}))
	default:
		return DataFrame(mustJSON(map[string]any{
			"error": map[string]any{
				"type":    "upstream_error",
				"message": message,
			},
		}))
	}
}

func mustJSON(v any) []byte {
	enc, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return enc
}
