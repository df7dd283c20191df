package adapter

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChunkEncoder frames SDK-native stream deltas as chat.completion.chunk SSE
// frames. SDK transports cannot forward raw upstream bytes the way the HTTP
// transport does, so they synthesise canonical chat framing here and let the
// per-request StreamAdapter re-frame it into the client's dialect.
type ChunkEncoder struct {
	id      string
	model   string
	created int64
	started bool
}

func NewChunkEncoder(model string) *ChunkEncoder {
	return &ChunkEncoder{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
	}
}

// Text encodes one content delta. The first call also emits the leading
// role frame.
func (e *ChunkEncoder) Text(delta string) [][]byte {
	var out [][]byte
	if !e.started {
		e.started = true
		out = append(out, DataFrame(e.chunk(chatChunkDelta{Role: "assistant"}, nil)))
	}
	if delta != "" {
		out = append(out, DataFrame(e.chunk(chatChunkDelta{Content: delta}, nil)))
	}
	return out
}

// Finish encodes the closing finish_reason frame plus the [DONE] terminator.
func (e *ChunkEncoder) Finish(reason string) [][]byte {
	if reason == "" {
		reason = "stop"
	}
	return [][]byte{
		DataFrame(e.chunk(chatChunkDelta{}, &reason)),
		DoneFrame(),
	}
}

func (e *ChunkEncoder) chunk(delta chatChunkDelta, finish *string) []byte {
	return mustJSON(chatChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []chatChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
}

// NormalizeGeminiFinish maps a Gemini candidate finishReason to the OpenAI
// finish_reason vocabulary.
func NormalizeGeminiFinish(reason string) string {
	switch strings.ToUpper(reason) {
	case "", "STOP", "FINISH_REASON_UNSPECIFIED":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "RECITATION":
		return "content_filter"
	}
	return "stop"
}
