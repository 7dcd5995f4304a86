package server

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"llmrelay/internal/config"
	"llmrelay/internal/core"
	"llmrelay/internal/storage"
	"llmrelay/internal/upstream"

	"github.com/bytedance/sonic"
)

const openAIStubResponse = `{"id":"chatcmpl-stub","object":"chat.completion","created":1700000000,"model":"stub",` +
	`"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],` +
	`"usage":{"prompt_tokens":10,"completion_tokens":1,"total_tokens":11}}`

const anthropicStubResponse = `{"id":"msg_stub","type":"message","role":"assistant",` +
	`"content":[{"type":"text","text":"hello"}],"model":"claude-sonnet-4","stop_reason":"end_turn",` +
	`"usage":{"input_tokens":10,"output_tokens":1}}`

type testServerOptions struct {
	upstreamURL   string
	upstreamKind  string
	clientAPIKeys []string
	mappingJSON   string
}

func newTestServer(t *testing.T, opts testServerOptions) *Server {
	t.Helper()

	dir := t.TempDir()
	mappingPath := filepath.Join(dir, "config.json")
	if opts.mappingJSON != "" {
		if err := os.WriteFile(mappingPath, []byte(opts.mappingJSON), core.FilePermissionReadWrite); err != nil {
			t.Fatalf("写入映射文件失败: %v", err)
		}
	}

	kind := opts.upstreamKind
	if kind == "" {
		kind = core.UpstreamKindOpenAI
	}

	cfg := config.ServerConfig{
		Host:            "127.0.0.1",
		Port:            "0",
		GinMode:         "test",
		ClientAPIKeys:   opts.clientAPIKeys,
		MappingFilePath: mappingPath,
		Upstream: upstream.Settings{
			BaseURL: opts.upstreamURL,
			Kind:    kind,
		},
		RateLimit:          1000,
		HTTPClientSettings: config.DefaultHTTPClientSettings(),
		Storage:            storage.NewFileStorage(filepath.Join(dir, "stats.json")),
		Logger:             &core.NopLogger{},
	}

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func doRequest(srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(core.HeaderContentType, core.ContentTypeJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(t, testServerOptions{upstreamURL: "http://127.0.0.1:1"})

	w := doRequest(srv, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "healthy") {
		t.Errorf("body = %s, want healthy", w.Body.String())
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t, testServerOptions{upstreamURL: "http://127.0.0.1:1"})

	w := doRequest(srv, http.MethodGet, "/api/stats", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var stats map[string]any
	if err := sonic.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("stats body is not valid JSON: %v", err)
	}
	if stats["upstreamKind"] != core.UpstreamKindOpenAI {
		t.Errorf("upstreamKind = %v, want %s", stats["upstreamKind"], core.UpstreamKindOpenAI)
	}
	if _, ok := stats["stats24h"]; !ok {
		t.Errorf("stats24h missing from response: %v", stats)
	}
}

func TestChatCompletions_OpenAIPassThrough(t *testing.T) {
	var upstreamModel string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		body, _ := io.ReadAll(r.Body)
		_ = sonic.Unmarshal(body, &payload)
		upstreamModel, _ = payload["model"].(string)
		w.Header().Set(core.HeaderContentType, core.ContentTypeJSON)
		_, _ = w.Write([]byte(openAIStubResponse))
	}))
	defer upstream.Close()

	srv := newTestServer(t, testServerOptions{upstreamURL: upstream.URL})

	requestBody := `{"model":"google/gemini-2.0-flash-exp:free","max_tokens":10,` +
		`"messages":[{"role":"user","content":"respond only with the text \"hello\""}]}`
	w := doRequest(srv, http.MethodPost, "/v1/chat/completions", requestBody, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if upstreamModel != "google/gemini-2.0-flash-exp:free" {
		t.Errorf("无映射时模型名应原样转发, got %q", upstreamModel)
	}

	var resp core.ChatCompletionResponse
	if err := sonic.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hello" {
		t.Errorf("choices = %+v, want assistant content 'hello'", resp.Choices)
	}
}

func TestChatCompletions_ModelRemapped(t *testing.T) {
	var upstreamModel string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		body, _ := io.ReadAll(r.Body)
		_ = sonic.Unmarshal(body, &payload)
		upstreamModel, _ = payload["model"].(string)
		w.Header().Set(core.HeaderContentType, core.ContentTypeJSON)
		_, _ = w.Write([]byte(openAIStubResponse))
	}))
	defer upstream.Close()

	srv := newTestServer(t, testServerOptions{
		upstreamURL: upstream.URL,
		mappingJSON: `{"gpt-4o": "deepseek-chat"}`,
	})

	w := doRequest(srv, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if upstreamModel != "deepseek-chat" {
		t.Errorf("upstream model = %q, want deepseek-chat", upstreamModel)
	}
}

func TestChatCompletions_MalformedThenRecovers(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(core.HeaderContentType, core.ContentTypeJSON)
		_, _ = w.Write([]byte(openAIStubResponse))
	}))
	defer upstream.Close()

	srv := newTestServer(t, testServerOptions{upstreamURL: upstream.URL})

	w := doRequest(srv, http.MethodPost, "/v1/chat/completions", `{not json`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "error") {
		t.Errorf("error body should carry an error message, got %s", w.Body.String())
	}

	// The proxy keeps serving after a malformed request.
	w = doRequest(srv, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	if w.Code != http.StatusOK {
		t.Errorf("后续请求状态 = %d, want 200", w.Code)
	}
}

func TestChatCompletions_StreamRejected(t *testing.T) {
	srv := newTestServer(t, testServerOptions{upstreamURL: "http://127.0.0.1:1"})

	w := doRequest(srv, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("stream request status = %d, want 400", w.Code)
	}
}

func TestChatCompletions_UpstreamErrorPassThrough(t *testing.T) {
	errorBody := `{"error":{"message":"insufficient quota","type":"insufficient_quota"}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(core.HeaderContentType, core.ContentTypeJSON)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(errorBody))
	}))
	defer upstream.Close()

	srv := newTestServer(t, testServerOptions{upstreamURL: upstream.URL})

	w := doRequest(srv, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, 上游错误状态应原样透传", w.Code)
	}
	if w.Body.String() != errorBody {
		t.Errorf("body = %s, 上游错误体应原样透传", w.Body.String())
	}
}

func TestChatCompletions_UpstreamUnreachable(t *testing.T) {
	srv := newTestServer(t, testServerOptions{upstreamURL: "http://127.0.0.1:1"})

	w := doRequest(srv, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}

func TestChatCompletions_ShapeErrorDiagnostic(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(core.HeaderContentType, core.ContentTypeJSON)
		_, _ = w.Write([]byte(`{"unexpected":"shape"}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, testServerOptions{upstreamURL: upstream.URL})

	w := doRequest(srv, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}

	var body map[string]any
	if err := sonic.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("diagnostic body is not valid JSON: %v", err)
	}
	if _, ok := body["upstream_body"]; !ok {
		t.Errorf("诊断响应应包含 upstream_body, got %v", body)
	}
}

func TestChatCompletions_AnthropicUpstream(t *testing.T) {
	var gotPath, gotVersion string
	var gotPayload core.AnthropicMessagesRequest
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotVersion = r.Header.Get(core.HeaderAnthropicVersion)
		body, _ := io.ReadAll(r.Body)
		_ = sonic.Unmarshal(body, &gotPayload)
		w.Header().Set(core.HeaderContentType, core.ContentTypeJSON)
		_, _ = w.Write([]byte(anthropicStubResponse))
	}))
	defer upstream.Close()

	srv := newTestServer(t, testServerOptions{
		upstreamURL:  upstream.URL,
		upstreamKind: core.UpstreamKindAnthropic,
		mappingJSON:  `{"gpt-4o": "claude-sonnet-4"}`,
	})

	w := doRequest(srv, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}]}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if gotPath != core.AnthropicChatEndpoint {
		t.Errorf("upstream path = %q, want %q", gotPath, core.AnthropicChatEndpoint)
	}
	if gotVersion != core.AnthropicVersionDefault {
		t.Errorf("anthropic-version = %q, want %s", gotVersion, core.AnthropicVersionDefault)
	}
	if gotPayload.Model != "claude-sonnet-4" {
		t.Errorf("upstream model = %q, want claude-sonnet-4", gotPayload.Model)
	}
	if gotPayload.System != "be brief" {
		t.Errorf("system = %q, want 'be brief'", gotPayload.System)
	}

	var resp core.ChatCompletionResponse
	if err := sonic.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if resp.Object != core.ChatCompletionObjectType {
		t.Errorf("object = %q, 响应应转换为 OpenAI 格式", resp.Object)
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("model = %q, 应回填客户端模型名", resp.Model)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hello" {
		t.Errorf("choices = %+v, want assistant content 'hello'", resp.Choices)
	}
}

func TestChatCompletions_InboundCredentialForwarded(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get(core.HeaderAuthorization)
		w.Header().Set(core.HeaderContentType, core.ContentTypeJSON)
		_, _ = w.Write([]byte(openAIStubResponse))
	}))
	defer upstream.Close()

	srv := newTestServer(t, testServerOptions{upstreamURL: upstream.URL})

	w := doRequest(srv, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{core.HeaderAuthorization: core.AuthBearerPrefix + "sk-client"})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if gotAuth != core.AuthBearerPrefix+"sk-client" {
		t.Errorf("开放模式下入站凭证应透传到上游, got %q", gotAuth)
	}
}

func TestListModels_CachesUpstreamResponse(t *testing.T) {
	var calls atomic.Int64
	modelsBody := `{"object":"list","data":[{"id":"deepseek-chat","object":"model"}]}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set(core.HeaderContentType, core.ContentTypeJSON)
		_, _ = w.Write([]byte(modelsBody))
	}))
	defer upstream.Close()

	srv := newTestServer(t, testServerOptions{upstreamURL: upstream.URL})

	for i := 0; i < 3; i++ {
		w := doRequest(srv, http.MethodGet, "/v1/models", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if w.Body.String() != modelsBody {
			t.Errorf("body = %s, want upstream models list", w.Body.String())
		}
	}

	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, 模型列表应被缓存", calls.Load())
	}
}

func TestListModels_LocalFallbackWhenUpstreamUnreachable(t *testing.T) {
	srv := newTestServer(t, testServerOptions{
		upstreamURL: "http://127.0.0.1:1",
		mappingJSON: `{"gpt-4o": "deepseek-chat", "gpt-4o-mini": "deepseek-chat"}`,
	})

	w := doRequest(srv, http.MethodGet, "/v1/models", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, 上游不可达时应回退到本地映射列表", w.Code)
	}

	var list core.ModelList
	if err := sonic.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("fallback body is not valid JSON: %v", err)
	}
	if list.Object != core.ModelListObjectType {
		t.Errorf("Object = %q, want %s", list.Object, core.ModelListObjectType)
	}
	if len(list.Data) != 2 || list.Data[0].ID != "gpt-4o" {
		t.Errorf("fallback list = %+v, want the mapped client names", list.Data)
	}
}

func TestListModels_NoMappingPropagatesUpstreamError(t *testing.T) {
	srv := newTestServer(t, testServerOptions{upstreamURL: "http://127.0.0.1:1"})

	w := doRequest(srv, http.MethodGet, "/v1/models", "", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, 无本地映射时应返回上游错误", w.Code)
	}
}

func TestAuthenticateClient(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(core.HeaderContentType, core.ContentTypeJSON)
		_, _ = w.Write([]byte(openAIStubResponse))
	}))
	defer upstream.Close()

	srv := newTestServer(t, testServerOptions{
		upstreamURL:   upstream.URL,
		clientAPIKeys: []string{"sk-valid"},
	})
	chatBody := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
	}{
		{"缺少密钥", nil, http.StatusUnauthorized},
		{"Bearer有效", map[string]string{core.HeaderAuthorization: core.AuthBearerPrefix + "sk-valid"}, http.StatusOK},
		{"Bearer无效", map[string]string{core.HeaderAuthorization: core.AuthBearerPrefix + "sk-wrong"}, http.StatusForbidden},
		{"x-api-key有效", map[string]string{core.HeaderXAPIKey: "sk-valid"}, http.StatusOK},
		{"x-api-key无效", map[string]string{core.HeaderXAPIKey: "sk-wrong"}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(srv, http.MethodPost, "/v1/chat/completions", chatBody, tt.headers)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body: %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestAuthenticateClient_OpenModeSkipsCheck(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(core.HeaderContentType, core.ContentTypeJSON)
		_, _ = w.Write([]byte(openAIStubResponse))
	}))
	defer upstream.Close()

	srv := newTestServer(t, testServerOptions{upstreamURL: upstream.URL})

	w := doRequest(srv, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	if w.Code != http.StatusOK {
		t.Errorf("未配置密钥时应放行, status = %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, testServerOptions{upstreamURL: "http://127.0.0.1:1"})

	w := doRequest(srv, http.MethodOptions, "/v1/chat/completions", "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Errorf("preflight should carry CORS headers")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(3)
	t.Cleanup(rl.stop)

	for i := 0; i < 3; i++ {
		if !rl.allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.allow("10.0.0.1") {
		t.Error("fourth request within the window should be rejected")
	}
	if !rl.allow("10.0.0.2") {
		t.Error("a different IP should have its own budget")
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := newRateLimiter(3)

	rl.stop()
	rl.stop()

	if !rl.allow("10.0.0.1") {
		t.Error("allow should still work after stop")
	}
}

func TestServer_CloseStopsRateLimiter(t *testing.T) {
	srv := newTestServer(t, testServerOptions{upstreamURL: "http://127.0.0.1:1"})

	if err := srv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case <-srv.rateLimiter.done:
	default:
		t.Error("Close should stop the rate limiter cleanup goroutine")
	}
}

func TestHTTPStatusForError(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{core.ErrMalformedRequest, http.StatusBadRequest},
		{core.ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{core.ErrUpstreamTransport, http.StatusBadGateway},
		{core.ErrUpstreamShape, http.StatusBadGateway},
		{core.ErrConfigLoadFailed, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		err := core.NewAppError(tt.code, "test", nil)
		if got := httpStatusForError(err); got != tt.want {
			t.Errorf("httpStatusForError(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
