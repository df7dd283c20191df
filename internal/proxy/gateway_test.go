package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-router/internal/auth"
	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/classify"
	"github.com/nulpointcorp/llm-router/internal/model"
	"github.com/nulpointcorp/llm-router/internal/resolver"
	"github.com/nulpointcorp/llm-router/internal/scheduler"
	"github.com/nulpointcorp/llm-router/internal/session"
	"github.com/nulpointcorp/llm-router/internal/transport"
)

// --- helpers ----------------------------------------------------------------

// fakeDispatcher returns scripted results in order and records every request
// it saw, so tests can assert on fallback overrides and retry behaviour.
type fakeDispatcher struct {
	mu       sync.Mutex
	results  []*transport.Result
	requests []*transport.Request
}

func (f *fakeDispatcher) Execute(_ context.Context, req *transport.Request) *transport.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *req
	f.requests = append(f.requests, &cp)
	if len(f.results) == 0 {
		return &transport.Result{
			Success:   false,
			ErrorText: "unscripted call",
			Category:  classify.CategoryTerminal,
		}
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res
}

func (f *fakeDispatcher) seen() []*transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transport.Request(nil), f.requests...)
}

// keysAvailable satisfies the scheduler's key-pool view with every provider
// holding usable credentials.
type keysAvailable struct{}

func (keysAvailable) AllInBackoff(string) bool { return false }

type gatewayFixture struct {
	gw       *Gateway
	dispatch *fakeDispatcher
	store    cache.Store
	sessions *session.Manager
	client   *http.Client
}

// newGatewayFixture builds a gateway over two providers ("a" outranking "b"
// for logical model "gpt-4o") and serves it on an in-memory listener.
func newGatewayFixture(t *testing.T, tweak func(*Options)) *gatewayFixture {
	t.Helper()

	store := cache.NewMemoryStore(context.Background())
	t.Cleanup(func() { _ = store.Close() })

	providers := []*model.ProviderConfig{
		{
			ID:                 "a",
			BaseURL:            "https://a.example.com",
			Transport:          model.TransportHTTP,
			SupportedAPIStyles: []model.APIStyle{model.StyleOpenAI, model.StyleClaude},
			Weight:             1.0,
		},
		{
			ID:                 "b",
			BaseURL:            "https://b.example.com",
			Transport:          model.TransportHTTP,
			SupportedAPIStyles: []model.APIStyle{model.StyleOpenAI, model.StyleClaude},
			Weight:             1.0,
		},
	}
	static := []resolver.StaticGroup{{
		ID:      "gpt-4o",
		Enabled: true,
		Upstreams: []resolver.StaticUpstream{
			{ProviderID: "a", UpstreamModel: "gpt-4o", Weight: 2.0},
			{ProviderID: "b", UpstreamModel: "gpt-4o", Weight: 1.0},
		},
	}}

	res := resolver.New(resolver.Options{
		Store:     store,
		Providers: providers,
		Static:    static,
		ListTTL:   time.Minute,
	})
	sessions := session.New(session.Options{Store: store, TTL: time.Minute, RingSize: 10})
	dispatch := &fakeDispatcher{}

	opts := Options{
		Auth: auth.New("gateway-secret", []auth.ConfiguredKey{
			{Key: "sk-test", Name: "tester", Active: true},
			{Key: "sk-off", Name: "retired", Active: false},
			{Key: "sk-limited", Name: "limited", Active: true, AllowedProviders: []string{"ghost"}},
		}),
		Resolver:          res,
		Scheduler:         scheduler.New(scheduler.Options{Store: store, Keys: keysAvailable{}}),
		Sessions:          sessions,
		Transport:         dispatch,
		Store:             store,
		CooldownThreshold: 2,
		CooldownWindow:    30 * time.Second,
		Version:           "test",
	}
	if tweak != nil {
		tweak(&opts)
	}
	gw := New(opts)

	ln := fasthttputil.NewInmemoryListener()
	srv := gw.Server(nil)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return &gatewayFixture{gw: gw, dispatch: dispatch, store: store, sessions: sessions, client: client}
}

func (fx *gatewayFixture) post(t *testing.T, path, apiKey, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://gateway"+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := fx.client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return resp, data
}

func (fx *gatewayFixture) get(t *testing.T, path, apiKey string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://gateway"+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := fx.client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return resp, data
}

func okResult(body string) *transport.Result {
	return &transport.Result{Success: true, StatusCode: 200, Body: []byte(body)}
}

const chatBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`

// --- dispatch ----------------------------------------------------------------

// TestGateway_Success serves the upstream body straight through and carries
// the caller's identity into the transport request.
func TestGateway_Success(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	fx.dispatch.results = []*transport.Result{
		okResult(`{"id":"chatcmpl-1","usage":{"prompt_tokens":3,"completion_tokens":5}}`),
	}

	resp, body := fx.post(t, "/v1/chat/completions", "sk-test", chatBody, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"chatcmpl-1"`) {
		t.Errorf("body = %s, want the upstream body", body)
	}

	reqs := fx.dispatch.seen()
	if len(reqs) != 1 {
		t.Fatalf("dispatched %d requests, want 1", len(reqs))
	}
	got := reqs[0]
	if got.Provider.ID != "a" {
		t.Errorf("provider = %q, want the top-ranked candidate", got.Provider.ID)
	}
	if got.LogicalModel != "gpt-4o" || got.Stream {
		t.Errorf("request = %+v", got)
	}
	if got.UserID != "tester" {
		t.Errorf("UserID = %q", got.UserID)
	}
	if got.APIKeyID == "sk-test" || got.APIKeyID == "" {
		t.Errorf("APIKeyID = %q, must be the digest, never the raw key", got.APIKeyID)
	}
}

// TestGateway_AuthFailures covers missing, unknown, and inactive keys.
func TestGateway_AuthFailures(t *testing.T) {
	fx := newGatewayFixture(t, nil)

	resp, body := fx.post(t, "/v1/chat/completions", "", chatBody, nil)
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(string(body), "invalid_api_key") {
		t.Errorf("no credentials: status %d body %s", resp.StatusCode, body)
	}

	resp, body = fx.post(t, "/v1/chat/completions", "sk-wrong", chatBody, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unknown key: status %d body %s", resp.StatusCode, body)
	}

	resp, body = fx.post(t, "/v1/chat/completions", "sk-off", chatBody, nil)
	if resp.StatusCode != http.StatusForbidden || !strings.Contains(string(body), "inactive_api_key") {
		t.Errorf("inactive key: status %d body %s", resp.StatusCode, body)
	}

	if len(fx.dispatch.seen()) != 0 {
		t.Error("auth failures must not reach the transport")
	}
}

// TestGateway_BadRequests covers unparseable JSON and a missing model field.
func TestGateway_BadRequests(t *testing.T) {
	fx := newGatewayFixture(t, nil)

	resp, body := fx.post(t, "/v1/chat/completions", "sk-test", `{not json`, nil)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), "invalid JSON") {
		t.Errorf("bad JSON: status %d body %s", resp.StatusCode, body)
	}

	resp, body = fx.post(t, "/v1/chat/completions", "sk-test", `{"messages":[]}`, nil)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), "'model' is required") {
		t.Errorf("missing model: status %d body %s", resp.StatusCode, body)
	}
}

// TestGateway_UnknownModel maps a resolve miss to 400 model_unavailable.
func TestGateway_UnknownModel(t *testing.T) {
	fx := newGatewayFixture(t, nil)

	resp, body := fx.post(t, "/v1/chat/completions", "sk-test", `{"model":"no-such-model"}`, nil)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), "model_unavailable") {
		t.Errorf("status %d body %s", resp.StatusCode, body)
	}
}

// TestGateway_AllowedProvidersForbidden rejects a key whose provider allowlist
// covers none of the model's upstreams.
func TestGateway_AllowedProvidersForbidden(t *testing.T) {
	fx := newGatewayFixture(t, nil)

	resp, body := fx.post(t, "/v1/chat/completions", "sk-limited", chatBody, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d body %s, want 403", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "no allowed provider serves") {
		t.Errorf("body = %s, want the allowlist refusal, not a model-unavailable 400", body)
	}
}

// --- candidate loop ----------------------------------------------------------

// TestGateway_RetryableFailureFailsOver moves to the second candidate after a
// penalized 503 and leaves the first provider's failure counter bumped.
func TestGateway_RetryableFailureFailsOver(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	fx.dispatch.results = []*transport.Result{
		{Success: false, StatusCode: 503, ErrorText: "overloaded", Retryable: true, Penalize: true, Category: classify.CategoryRetryableStatus},
		okResult(`{"id":"chatcmpl-2"}`),
	}

	resp, body := fx.post(t, "/v1/chat/completions", "sk-test", chatBody, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "chatcmpl-2") {
		t.Fatalf("status %d body %s", resp.StatusCode, body)
	}

	reqs := fx.dispatch.seen()
	if len(reqs) != 2 || reqs[0].Provider.ID != "a" || reqs[1].Provider.ID != "b" {
		t.Fatalf("candidate order = %v", providerIDs(reqs))
	}
	if n, _ := fx.store.CounterGet(context.Background(), cache.ProviderFailuresKey("a")); n != 1 {
		t.Errorf("failure counter for a = %d, want 1", n)
	}
}

// TestGateway_TerminalFailureStops surfaces a non-retryable upstream error as
// 502 without trying the next candidate.
func TestGateway_TerminalFailureStops(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	fx.dispatch.results = []*transport.Result{
		{Success: false, StatusCode: 400, ErrorText: "bad request body", Retryable: false, Penalize: true, Category: classify.CategoryTerminal},
	}

	resp, body := fx.post(t, "/v1/chat/completions", "sk-test", chatBody, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d body %s, want 502", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "upstream a returned 400: bad request body") {
		t.Errorf("body = %s, want the upstream failure surfaced", body)
	}
	if len(fx.dispatch.seen()) != 1 {
		t.Error("terminal failure must stop the candidate loop")
	}
}

// TestGateway_KeyExhausted turns a provider with every key in backoff into a
// 503 with Retry-After.
func TestGateway_KeyExhausted(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	fx.dispatch.results = []*transport.Result{
		{Success: false, ErrorText: "all keys in backoff", KeyExhausted: true, Category: classify.CategoryTerminal},
	}

	resp, body := fx.post(t, "/v1/chat/completions", "sk-test", chatBody, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d body %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "all keys in backoff") {
		t.Errorf("body = %s", body)
	}
	if resp.Header.Get("Retry-After") != "5" {
		t.Errorf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
}

// TestGateway_CapabilityMismatchNoPenalty retries the next candidate without
// touching the first provider's cooldown counter.
func TestGateway_CapabilityMismatchNoPenalty(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	fx.dispatch.results = []*transport.Result{
		{Success: false, StatusCode: 400, ErrorText: "this model does not support tools", Retryable: true, Penalize: false, Category: classify.CapabilityCategory("tools")},
		okResult(`{"id":"chatcmpl-3"}`),
	}

	resp, body := fx.post(t, "/v1/chat/completions", "sk-test", chatBody, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "chatcmpl-3") {
		t.Fatalf("status %d body %s", resp.StatusCode, body)
	}
	if n, _ := fx.store.CounterGet(context.Background(), cache.ProviderFailuresKey("a")); n != 0 {
		t.Errorf("failure counter for a = %d, capability refusals must not count", n)
	}
}

// TestGateway_CooldownSkipsAll answers 503 without dispatching when every
// candidate sits in failure cooldown.
func TestGateway_CooldownSkipsAll(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	ctx := context.Background()
	for _, p := range []string{"a", "b"} {
		for i := 0; i < 2; i++ {
			if _, err := fx.store.IncrWithTTL(ctx, cache.ProviderFailuresKey(p), 30*time.Second); err != nil {
				t.Fatalf("IncrWithTTL: %v", err)
			}
		}
	}

	resp, body := fx.post(t, "/v1/chat/completions", "sk-test", chatBody, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d body %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "no candidate available (cooldown_skipped=2)") {
		t.Errorf("body = %s", body)
	}
	if len(fx.dispatch.seen()) != 0 {
		t.Error("cooldown skips must not reach the transport")
	}
}

// TestGateway_AllCandidatesFail reports the last failure when the loop runs
// out of upstreams.
func TestGateway_AllCandidatesFail(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	retryable := func() *transport.Result {
		return &transport.Result{Success: false, StatusCode: 503, ErrorText: "overloaded", Retryable: true, Penalize: true, Category: classify.CategoryRetryableStatus}
	}
	fx.dispatch.results = []*transport.Result{retryable(), retryable()}

	resp, body := fx.post(t, "/v1/chat/completions", "sk-test", chatBody, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d body %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "all candidates failed: last_status=503") {
		t.Errorf("body = %s", body)
	}
}

// TestGateway_MessagesFallback re-executes the same candidate on the chat
// path when the transport reports a missing messages endpoint.
func TestGateway_MessagesFallback(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	fx.dispatch.results = []*transport.Result{
		{Success: false, StatusCode: 404, MessagesFallback: true, Retryable: true, Category: classify.CategoryMessagesNotFound},
		okResult(`{"id":"msg_1","type":"message"}`),
	}

	body := `{"model":"gpt-4o","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`
	resp, respBody := fx.post(t, "/v1/messages", "sk-test", body, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(respBody), "msg_1") {
		t.Fatalf("status %d body %s", resp.StatusCode, respBody)
	}

	reqs := fx.dispatch.seen()
	if len(reqs) != 2 {
		t.Fatalf("dispatched %d requests, want the fallback retry", len(reqs))
	}
	if reqs[0].Provider.ID != reqs[1].Provider.ID {
		t.Error("fallback must stay on the same candidate")
	}
	fb := reqs[1]
	if fb.PathOverride != "/v1/chat/completions" {
		t.Errorf("PathOverride = %q", fb.PathOverride)
	}
	if fb.StyleOverride != model.StyleOpenAI {
		t.Errorf("StyleOverride = %q", fb.StyleOverride)
	}
}

// TestGateway_SuccessClearsCooldownAndBindsSession checks the success-path
// bookkeeping: the winner's failure counter resets and the conversation is
// pinned to it.
func TestGateway_SuccessClearsCooldownAndBindsSession(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	ctx := context.Background()
	if _, err := fx.store.IncrWithTTL(ctx, cache.ProviderFailuresKey("a"), 30*time.Second); err != nil {
		t.Fatalf("IncrWithTTL: %v", err)
	}
	fx.dispatch.results = []*transport.Result{okResult(`{"id":"chatcmpl-4"}`)}

	resp, _ := fx.post(t, "/v1/chat/completions", "sk-test", chatBody,
		map[string]string{"X-Session-Id": "conv-77"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if n, _ := fx.store.CounterGet(ctx, cache.ProviderFailuresKey("a")); n != 0 {
		t.Errorf("failure counter = %d, success must clear it", n)
	}
	sess := fx.sessions.Binding(ctx, "conv-77")
	if sess == nil || sess.ProviderID != "a" {
		t.Errorf("binding = %+v, want provider a", sess)
	}
	if history := fx.sessions.History(ctx, "conv-77"); len(history) != 1 {
		t.Errorf("history len = %d, want the exchange recorded", len(history))
	}
}

// --- streaming ---------------------------------------------------------------

// TestGateway_StreamSuccess relays upstream frames verbatim over SSE.
func TestGateway_StreamSuccess(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	frames := make(chan []byte, 2)
	frames <- []byte("data: {\"id\":\"chatcmpl-5\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
	frames <- []byte("data: [DONE]\n\n")
	close(frames)
	fx.dispatch.results = []*transport.Result{
		{Success: true, Stream: &transport.StreamHandle{Frames: frames}},
	}

	body := `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp, data := fx.post(t, "/v1/chat/completions", "sk-test", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body %s", resp.StatusCode, data)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}
	text := string(data)
	if !strings.Contains(text, "chatcmpl-5") || !strings.HasSuffix(text, "data: [DONE]\n\n") {
		t.Errorf("streamed body = %q", text)
	}
	if reqs := fx.dispatch.seen(); len(reqs) != 1 || !reqs[0].Stream {
		t.Errorf("requests = %+v, want one streaming dispatch", reqs)
	}
}

// TestGateway_StreamCleanEmptyCommits keeps a cleanly closed empty upstream
// stream as a committed, empty SSE response rather than failing over.
func TestGateway_StreamCleanEmptyCommits(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	frames := make(chan []byte)
	close(frames)
	fx.dispatch.results = []*transport.Result{
		{Success: true, Stream: &transport.StreamHandle{Frames: frames}},
	}

	body := `{"model":"gpt-4o","stream":true,"messages":[]}`
	resp, data := fx.post(t, "/v1/chat/completions", "sk-test", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(data) != 0 {
		t.Errorf("body = %q, want empty", data)
	}
	if len(fx.dispatch.seen()) != 1 {
		t.Error("clean empty stream must not trigger failover")
	}
}

// TestGateway_StreamBindsSession commits bind the conversation even though no
// JSON body exists to record.
func TestGateway_StreamBindsSession(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	frames := make(chan []byte, 1)
	frames <- []byte("data: [DONE]\n\n")
	close(frames)
	fx.dispatch.results = []*transport.Result{
		{Success: true, Stream: &transport.StreamHandle{Frames: frames}},
	}

	body := `{"model":"gpt-4o","stream":true,"messages":[]}`
	resp, _ := fx.post(t, "/v1/chat/completions", "sk-test", body,
		map[string]string{"X-Session-Id": "conv-88"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	sess := fx.sessions.Binding(context.Background(), "conv-88")
	if sess == nil || sess.ProviderID != "a" {
		t.Errorf("binding = %+v, want provider a", sess)
	}
	if history := fx.sessions.History(context.Background(), "conv-88"); len(history) != 0 {
		t.Errorf("history len = %d, streams record no exchange body", len(history))
	}
}

// --- auxiliary endpoints -----------------------------------------------------

func TestGateway_Health(t *testing.T) {
	fx := newGatewayFixture(t, nil)

	resp, body := fx.get(t, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got map[string]string
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["status"] != "ok" || got["version"] != "test" {
		t.Errorf("health = %v", got)
	}
}

func TestGateway_Readiness(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)
	fx := newGatewayFixture(t, func(o *Options) {
		o.Ready = ready.Load
	})

	if resp, _ := fx.get(t, "/readiness", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("ready: status = %d", resp.StatusCode)
	}
	ready.Store(false)
	if resp, _ := fx.get(t, "/readiness", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("not ready: status = %d", resp.StatusCode)
	}
}

// TestGateway_Models requires auth and lists the configured logical models.
func TestGateway_Models(t *testing.T) {
	fx := newGatewayFixture(t, nil)

	if resp, _ := fx.get(t, "/v1/models", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated: status = %d", resp.StatusCode)
	}

	resp, body := fx.get(t, "/v1/models", "sk-test")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var listing struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if listing.Object != "list" {
		t.Errorf("object = %q", listing.Object)
	}
	found := false
	for _, m := range listing.Data {
		if m.ID == "gpt-4o" {
			found = true
		}
	}
	if !found {
		t.Errorf("gpt-4o missing from listing: %s", body)
	}
}

// TestGateway_Context returns the recorded conversation ring.
func TestGateway_Context(t *testing.T) {
	fx := newGatewayFixture(t, nil)
	ctx := context.Background()
	fx.sessions.RecordExchange(ctx, "conv-9",
		json.RawMessage(`{"model":"gpt-4o"}`), json.RawMessage(`{"id":"chatcmpl-9"}`), "a")

	resp, body := fx.get(t, "/context/conv-9", "sk-test")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got struct {
		SessionID string            `json:"session_id"`
		History   []session.Exchange `json:"history"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SessionID != "conv-9" || len(got.History) != 1 {
		t.Errorf("context = %+v", got)
	}
	if got.History[0].Provider != "a" {
		t.Errorf("history provider = %q", got.History[0].Provider)
	}
}

func providerIDs(reqs []*transport.Request) []string {
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.Provider.ID)
	}
	return ids
}
