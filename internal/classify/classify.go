// Package classify maps upstream failures onto the retry loop's decisions:
// retryable or terminal, penalizing or not, and whether the Claude
// messages-path fallback should fire.
package classify

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Category names the failure class for logs and metrics labels.
type Category string

const (
	CategoryTransport       Category = "transport_error"
	CategoryRetryableStatus Category = "retryable_status"
	CategoryTerminal        Category = "terminal_status"
	CategoryMessagesNotFound Category = "messages_path_not_found"

	// Capability mismatches carry the refused capability as a suffix,
	// e.g. "capability_mismatch:tools".
	categoryCapabilityPrefix = "capability_mismatch:"
)

// CapabilityCategory returns the category for a refused capability.
func CapabilityCategory(capability string) Category {
	return Category(categoryCapabilityPrefix + capability)
}

// IsCapabilityMismatch reports whether c marks a capability refusal.
func (c Category) IsCapabilityMismatch() bool {
	return strings.HasPrefix(string(c), categoryCapabilityPrefix)
}

// Decision is the classifier verdict for one upstream failure.
type Decision struct {
	Retryable bool
	Penalize  bool
	Category  Category
	// MessagesFallback signals that the same candidate should be re-tried
	// against /v1/chat/completions with the payload re-adapted.
	MessagesFallback bool
}

// unsupportedRe matches provider refusals of a capability the model lacks.
var unsupportedRe = regexp.MustCompile(`(?i)\b((do|does)\s+not\s+support|unsupported|not\s+enabled|not\s+available)\b`)

// capabilityHints maps body substrings to the capability a refusal names.
// Order matters: the first hit wins.
var capabilityHints = []struct {
	needle     string
	capability string
}{
	{"tools", "tools"},
	{"tool", "tools"},
	{"functions", "tools"},
	{"function", "tools"},
	{"vision", "vision"},
	{"image", "vision"},
	{"multimodal", "vision"},
}

// notFoundRe matches "unknown endpoint" style bodies from OpenAI-compatible
// hosts that do not implement /v1/messages.
var notFoundRe = regexp.MustCompile(`(?i)(not\s+found|invalid\s+url|unknown\s+request\s+url|no\s+such\s+route)`)

// defaultRetryable is used when the provider declares no retryable set.
func defaultRetryable(status int) bool {
	return status == 429 || (status >= 500 && status < 600)
}

// Classify inspects an upstream HTTP failure.
//
//	status 0 (transport error)                        → retryable, penalize
//	status in the provider's retryable set            → retryable, penalize
//	400/422 naming a missing capability               → retryable, NOT penalized
//	404/405 on a messages path with a not-found body  → fallback signal
//	any other ≥400                                    → terminal, penalize
func Classify(status int, body []byte, retryableStatuses []int, onMessagesPath bool) Decision {
	if status == 0 {
		return Decision{Retryable: true, Penalize: true, Category: CategoryTransport}
	}

	if statusRetryable(status, retryableStatuses) {
		return Decision{Retryable: true, Penalize: true, Category: CategoryRetryableStatus}
	}

	msg := extractMessage(body)

	if status == 400 || status == 422 {
		if cap := matchCapability(msg); cap != "" {
			return Decision{
				Retryable: true,
				Penalize:  false,
				Category:  CapabilityCategory(cap),
			}
		}
	}

	if onMessagesPath && (status == 404 || status == 405) && notFoundRe.MatchString(msg) {
		return Decision{
			Retryable:        true,
			Penalize:         true,
			Category:         CategoryMessagesNotFound,
			MessagesFallback: true,
		}
	}

	return Decision{Retryable: false, Penalize: true, Category: CategoryTerminal}
}

func statusRetryable(status int, declared []int) bool {
	if len(declared) == 0 {
		return defaultRetryable(status)
	}
	for _, s := range declared {
		if s == status {
			return true
		}
	}
	return false
}

func matchCapability(msg string) string {
	if !unsupportedRe.MatchString(msg) {
		return ""
	}
	lower := strings.ToLower(msg)
	for _, h := range capabilityHints {
		if strings.Contains(lower, h.needle) {
			return h.capability
		}
	}
	return ""
}

// extractMessage pulls the human-readable message from the common error body
// shapes: {"error":{"message":…}}, {"error":…}, {"message":…}. Falls back to
// the raw body.
func extractMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return string(body)
	}

	if len(envelope.Error) > 0 {
		var inner struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(envelope.Error, &inner); err == nil && inner.Message != "" {
			return inner.Message
		}
		var s string
		if err := json.Unmarshal(envelope.Error, &s); err == nil && s != "" {
			return s
		}
	}
	if envelope.Message != "" {
		return envelope.Message
	}
	return string(body)
}
