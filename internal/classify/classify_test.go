package classify

import (
	"fmt"
	"testing"
)

func TestClassify_TransportError(t *testing.T) {
	d := Classify(0, nil, nil, false)
	if !d.Retryable || !d.Penalize {
		t.Errorf("transport error should be retryable and penalized, got %+v", d)
	}
	if d.Category != CategoryTransport {
		t.Errorf("category = %q, want %q", d.Category, CategoryTransport)
	}
}

func TestClassify_DefaultRetryableStatuses(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		t.Run(fmt.Sprintf("status_%d", code), func(t *testing.T) {
			d := Classify(code, []byte(`{"error":{"message":"overloaded"}}`), nil, false)
			if !d.Retryable || !d.Penalize {
				t.Errorf("status %d should be retryable and penalized, got %+v", code, d)
			}
			if d.Category != CategoryRetryableStatus {
				t.Errorf("category = %q, want %q", d.Category, CategoryRetryableStatus)
			}
		})
	}
}

func TestClassify_DeclaredRetryableSetOverridesDefault(t *testing.T) {
	// 520 is not retryable by default, but the provider declares it.
	d := Classify(520, nil, []int{429, 520}, false)
	if !d.Retryable {
		t.Errorf("declared status 520 should be retryable, got %+v", d)
	}

	// With a declared set, a default-retryable status outside it is terminal.
	d = Classify(500, nil, []int{429, 520}, false)
	if d.Retryable {
		t.Errorf("status 500 outside the declared set should be terminal, got %+v", d)
	}
}

func TestClassify_CapabilityMismatch(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		body       string
		capability string
	}{
		{"tools_400", 400, `{"error":{"message":"this model does not support tools"}}`, "tools"},
		{"functions_422", 422, `{"error":{"message":"function calling is not enabled for this model"}}`, "tools"},
		{"vision_400", 400, `{"error":{"message":"image input is unsupported"}}`, "vision"},
		{"multimodal_400", 400, `{"message":"multimodal content not available"}`, "vision"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Classify(tc.status, []byte(tc.body), nil, false)
			if !d.Retryable {
				t.Errorf("capability refusal should be retryable, got %+v", d)
			}
			if d.Penalize {
				t.Error("capability refusal must not count against the provider cooldown")
			}
			want := CapabilityCategory(tc.capability)
			if d.Category != want {
				t.Errorf("category = %q, want %q", d.Category, want)
			}
			if !d.Category.IsCapabilityMismatch() {
				t.Error("IsCapabilityMismatch() = false")
			}
		})
	}
}

func TestClassify_Plain400IsTerminal(t *testing.T) {
	d := Classify(400, []byte(`{"error":{"message":"invalid request: messages must be non-empty"}}`), nil, false)
	if d.Retryable {
		t.Errorf("validation 400 should be terminal, got %+v", d)
	}
	if d.Category != CategoryTerminal {
		t.Errorf("category = %q, want %q", d.Category, CategoryTerminal)
	}
}

func TestClassify_MessagesFallback(t *testing.T) {
	body := []byte(`{"error":{"message":"not found: unknown request URL /v1/messages"}}`)

	d := Classify(404, body, nil, true)
	if !d.MessagesFallback {
		t.Fatalf("404 + not-found body on messages path should signal fallback, got %+v", d)
	}
	if !d.Retryable {
		t.Error("fallback decision should be retryable")
	}
	if d.Category != CategoryMessagesNotFound {
		t.Errorf("category = %q, want %q", d.Category, CategoryMessagesNotFound)
	}

	// 405 carries the same signal.
	if d := Classify(405, body, nil, true); !d.MessagesFallback {
		t.Errorf("405 on messages path should signal fallback, got %+v", d)
	}
}

func TestClassify_NoFallbackOffMessagesPath(t *testing.T) {
	body := []byte(`{"error":{"message":"not found"}}`)
	d := Classify(404, body, nil, false)
	if d.MessagesFallback {
		t.Errorf("fallback must only fire on the messages path, got %+v", d)
	}
	if d.Retryable {
		t.Error("plain 404 should be terminal")
	}
}

func TestClassify_NoFallbackWithoutNotFoundBody(t *testing.T) {
	d := Classify(404, []byte(`{"error":{"message":"model does not exist"}}`), nil, true)
	if d.MessagesFallback {
		t.Errorf("404 without a not-found body must not signal fallback, got %+v", d)
	}
}

func TestClassify_AuthErrorsAreTerminal(t *testing.T) {
	for _, code := range []int{401, 403} {
		d := Classify(code, []byte(`{"error":{"message":"invalid api key"}}`), nil, false)
		if d.Retryable {
			t.Errorf("status %d should be terminal, got %+v", code, d)
		}
	}
}

func TestExtractMessage_Shapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"nested_error", `{"error":{"message":"boom"}}`, "boom"},
		{"string_error", `{"error":"boom"}`, "boom"},
		{"top_level_message", `{"message":"boom"}`, "boom"},
		{"raw_text", `upstream exploded`, "upstream exploded"},
		{"empty", ``, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractMessage([]byte(tc.body)); got != tc.want {
				t.Errorf("extractMessage(%q) = %q, want %q", tc.body, got, tc.want)
			}
		})
	}
}
