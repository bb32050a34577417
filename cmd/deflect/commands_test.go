package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/deflect/internal/config"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type reply struct {
	status int
	body   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]reply) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		if resp, ok := responses[r.Method+" "+r.URL.Path]; ok {
			w.Header().Set("Content-Type", "application/json")
			if resp.status != 0 {
				w.WriteHeader(resp.status)
			}
			w.Write([]byte(resp.body))
			return
		}

		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// run executes the CLI against ts.
func (ts *testServer) run(t *testing.T, args ...string) error {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() {
		newAPIClient = old
		rootCmd.SetArgs(nil)
	})
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func (ts *testServer) lastBody(t *testing.T) map[string]any {
	t.Helper()
	if len(ts.requests) == 0 {
		t.Fatal("no request sent")
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[len(ts.requests)-1].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	return body
}

func TestFAQAdd_SendsBody(t *testing.T) {
	ts := newTestServer(t, map[string]reply{
		"POST /faqs": {status: http.StatusCreated, body: `{"faq":{"id":"faq-1"},"duplicate":false}`},
	})

	if err := ts.run(t, "faq", "add", "-q", "Opening hours?", "-a", "9 to 5", "--category", "store"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := ts.requests[0]
	if r.Method != http.MethodPost || r.Path != "/faqs" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", r.Auth)
	}
	body := ts.lastBody(t)
	if body["question"] != "Opening hours?" || body["answer"] != "9 to 5" || body["category"] != "store" {
		t.Errorf("body = %v", body)
	}
	if body["force_add"] != false {
		t.Errorf("force_add = %v, want false", body["force_add"])
	}
}

func TestFAQAdd_DuplicateIsError(t *testing.T) {
	ts := newTestServer(t, map[string]reply{
		"POST /faqs": {status: http.StatusConflict, body: `{"duplicate":true,"candidates":[{"faq":{"id":"faq-1","question":"Hours?"},"score":0.91}]}`},
	})

	err := ts.run(t, "faq", "add", "-q", "When are you open?", "-a", "Always")
	if err == nil || !strings.Contains(err.Error(), "--force") {
		t.Errorf("err = %v, want duplicate error mentioning --force", err)
	}
}

func TestFAQAdd_MissingFlags(t *testing.T) {
	ts := newTestServer(t, nil)
	err := ts.run(t, "faq", "add", "-q", "", "-a", "")
	if err == nil || !strings.Contains(err.Error(), "required") {
		t.Fatalf("err = %v, want it to mention 'required'", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("sent %d requests, want none", len(ts.requests))
	}
}

func TestFAQSearch_IncludesRelated(t *testing.T) {
	ts := newTestServer(t, map[string]reply{
		"POST /faqs/search": {body: `{"all_results":[{"faq":{"id":"f1","question":"Hours?","answer":"9 to 5"},"score":0.9,"tier":"very_high"}],"tier":"very_high","strategy":"direct_answer","use_ai":false}`},
	})

	if err := ts.run(t, "faq", "search", "when", "do", "you", "open"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := ts.lastBody(t)
	if body["query"] != "when do you open" || body["include_related"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestFAQImport_UploadsRawDocument(t *testing.T) {
	ts := newTestServer(t, map[string]reply{
		"POST /faqs/import": {body: `{"added":1,"skipped":[{"question":"Dup?","reason":"duplicate","duplicate_of":"faq-9","score":0.8}]}`},
	})
	path := filepath.Join(t.TempDir(), "faqs.yml")
	doc := "- question: Hours?\n  answer: 9 to 5\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ts.run(t, "faq", "import", path, "--force"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := ts.requests[0]
	if r.Path != "/faqs/import?force=true&format=yaml" {
		t.Errorf("path = %q", r.Path)
	}
	if r.Body != doc || r.ContentType != "application/yaml" {
		t.Errorf("body = %q, content type = %q", r.Body, r.ContentType)
	}
}

func TestImportFormat(t *testing.T) {
	tests := []struct {
		flag, path, want string
		wantErr          bool
	}{
		{path: "a.yaml", want: "yaml"},
		{path: "a.YML", want: "yaml"},
		{path: "handbook.pdf", want: "pdf"},
		{flag: "pdf", path: "scan.bin", want: "pdf"},
		{path: "notes.txt", wantErr: true},
	}
	for _, tt := range tests {
		got, err := importFormat(tt.flag, tt.path)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("importFormat(%q, %q) = %q, %v", tt.flag, tt.path, got, err)
		}
	}
}

func TestClustersApply_EditedAnswer(t *testing.T) {
	ts := newTestServer(t, map[string]reply{
		"POST /clusters/c1/apply": {body: `{"cluster_id":"c1","action":"create","faq_id":"faq-2"}`},
	})

	if err := ts.run(t, "clusters", "apply", "c1", "--answer", "Yes, worldwide"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body := ts.lastBody(t); body["edited_answer"] != "Yes, worldwide" {
		t.Errorf("body = %v", body)
	}
}

func TestClustersDismiss(t *testing.T) {
	ts := newTestServer(t, map[string]reply{
		"POST /clusters/c1/dismiss": {body: `{"status":"dismissed"}`},
	})
	if err := ts.run(t, "clusters", "dismiss", "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Path != "/clusters/c1/dismiss" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestReviewsReset_RequiresBothFlags(t *testing.T) {
	ts := newTestServer(t, map[string]reply{
		"POST /reviews/reset": {body: `{"status":"reset","removed":4}`},
	})

	if err := ts.run(t, "reviews", "reset", "--confirm"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 0 {
		t.Fatalf("reset sent without --yes-really")
	}

	if err := ts.run(t, "reviews", "reset", "--confirm", "--yes-really"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body := ts.lastBody(t); body["confirm"] != true || body["yes_really"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, map[string]reply{
		"GET /faqs/x": {status: http.StatusNotFound, body: `{"error":{"message":"faq x not found","type":"not_found"}}`},
	})

	resp, err := ts.client().get(context.Background(), "/faqs/x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = decodeJSON(resp, nil)
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *apiError", err)
	}
	if apiErr.Status != 404 || apiErr.Type != "not_found" || apiErr.Message != "faq x not found" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestClient_ServerStopped(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.server.Close()

	_, err := ts.client().get(context.Background(), "/health")
	if err == nil || !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("err = %v, want it to mention 'not reachable'", err)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorGreen, "test message"); got != "test message" {
		t.Errorf("colorize with noColor=true = %q", got)
	}
	noColor = false
	if got := colorize(colorGreen, "test message"); !strings.Contains(got, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", got)
	}
}

func TestShorten(t *testing.T) {
	if got := shorten("a\n  b   c", 10); got != "a b c" {
		t.Errorf("shorten = %q", got)
	}
	if got := shorten("abcdefgh", 3); got != "abc..." {
		t.Errorf("shorten = %q", got)
	}
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("hello", "k", "v")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %q", buf.String())
	}
	if line["msg"] != "hello" || line["k"] != "v" {
		t.Errorf("line = %v", line)
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn"}, &buf)
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}

func testConfig() config.Config {
	return config.Config{
		Storage:   config.StorageConfig{DataDir: ":memory:"},
		Embedding: config.EmbeddingConfig{Provider: "http", Model: "m", Dimensions: 8, Timeout: time.Second},
		Completion: config.CompletionConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			Timeout:  time.Second,
		},
		Conversation: config.ConversationConfig{LockTTL: time.Minute},
		Gaps:         config.GapsConfig{ClusterSchedule: "@every 6h"},
		Router:       config.RouterConfig{ContactEmail: "help@example.com"},
	}
}

func TestBuildApp_NotReadyStillServes(t *testing.T) {
	var logs bytes.Buffer
	a, err := buildApp(context.Background(), testConfig(), "tok", newLogger(config.LogConfig{}, &logs))
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.Close()

	if len(a.problems) == 0 {
		t.Fatal("expected configuration problems without endpoint and keys")
	}

	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	var health struct {
		Status   string   `json:"status"`
		Problems []string `json:"problems"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if rr.Code != http.StatusOK || health.Status != "not_ready" || len(health.Problems) != len(a.problems) {
		t.Errorf("health = %d %+v", rr.Code, health)
	}

	rr = httptest.NewRecorder()
	a.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/chat",
		strings.NewReader(`{"message":"What is the warranty on refurbished laptops?","session_id":"s1"}`)))
	var chat struct {
		Source   string `json:"source"`
		Fallback bool   `json:"fallback"`
		Reply    string `json:"reply"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &chat); err != nil {
		t.Fatalf("decoding chat: %v", err)
	}
	if rr.Code != http.StatusOK || chat.Source != "fallback" || chat.Reply == "" {
		t.Errorf("chat = %d %+v", rr.Code, chat)
	}

	req := httptest.NewRequest(http.MethodPost, "/faqs/search", strings.NewReader(`{"query":"hours"}`))
	req.Header.Set("Authorization", "Bearer tok")
	rr = httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("search without embedding: status = %d, want 503", rr.Code)
	}
}

func TestBuildApp_BadRulesFile(t *testing.T) {
	cfg := testConfig()
	cfg.Router.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := buildApp(context.Background(), cfg, "tok", newLogger(config.LogConfig{}, &bytes.Buffer{})); err == nil {
		t.Fatal("expected error for a missing rules file")
	}
}
