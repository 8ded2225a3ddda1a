package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kohlhas/recollect/internal/config"
	"github.com/kohlhas/recollect/internal/query"
	"github.com/kohlhas/recollect/internal/search"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
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

var ctx = context.Background()

func TestIngestRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /transcriptions": `{"id":"conv-123","session_id":"sess-1","segments":2,"status":"stored"}`,
	})

	client := ts.client()

	payload := map[string]any{
		"text": "hello world",
		"segments": []map[string]any{
			{"text": "hello", "start_time": 0.0, "end_time": 1.0, "confidence": 0.9},
			{"text": "world", "start_time": 1.0, "end_time": 2.0, "confidence": 0.8},
		},
		"session_metadata": map[string]any{"speaker": "user"},
	}

	resp, err := client.post(ctx, "/transcriptions", payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		ID       string `json:"id"`
		Segments int    `json:"segments"`
		Status   string `json:"status"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if result.ID != "conv-123" {
		t.Errorf("id = %q, want conv-123", result.ID)
	}
	if result.Segments != 2 {
		t.Errorf("segments = %d, want 2", result.Segments)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}

	r := ts.requests[0]
	if r.Method != "POST" {
		t.Errorf("method = %q, want POST", r.Method)
	}
	if r.Path != "/transcriptions" {
		t.Errorf("path = %q, want /transcriptions", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["text"] != "hello world" {
		t.Errorf("body.text = %v, want hello world", body["text"])
	}
}

func TestIngestCommand_UnreadableFile(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ingest", filepath.Join(t.TempDir(), "missing.json")})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for a missing payload file")
	}
	if !strings.Contains(err.Error(), "reading payload") {
		t.Errorf("error = %q, want it to mention 'reading payload'", err.Error())
	}
}

func TestSQLCommand_MissingStatement(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"sql"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing statement")
	}
	if !strings.Contains(err.Error(), "requires at least 1 arg") {
		t.Errorf("error = %q, want it to mention the arg requirement", err.Error())
	}
}

func TestPurgeCommand_RequiresConfirm(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	// Without --confirm the command warns and stops before any request.
	rootCmd.SetArgs([]string{"purge", "conv-1"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueryResponse(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /query": `{"matches":[{"conversation_id":"conv-1","title":"Standup","session_id":"sess-1","speaker":"user","audio_source":"microphone","created_at":"2025-06-01T09:00:00Z","segment_id":"s1","seq":0,"text":"we shipped it","start_time":1.5,"end_time":3.0,"confidence":0.92}],"count":1}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/query", map[string]any{"speaker": "user"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Matches []query.Match `json:"matches"`
		Count   int           `json:"count"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if result.Count != 1 {
		t.Fatalf("count = %d, want 1", result.Count)
	}
	m := result.Matches[0]
	if m.Text != "we shipped it" {
		t.Errorf("text = %q, want 'we shipped it'", m.Text)
	}
	if m.StartTime != 1.5 {
		t.Errorf("start_time = %v, want 1.5", m.StartTime)
	}

	var sentBody map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sentBody); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sentBody["speaker"] != "user" {
		t.Errorf("body.speaker = %v, want user", sentBody["speaker"])
	}
}

func TestSQLResponse(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /query/sql": `{"columns":["speaker","n"],"rows":[["user","12"],["guest","3"]]}`,
	})

	client := ts.client()
	body := map[string]any{"sql": "SELECT speaker, COUNT(*) AS n FROM conversations GROUP BY speaker"}
	resp, err := client.post(ctx, "/query/sql", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var rs query.ResultSet
	if err := decodeJSON(resp, &rs); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(rs.Columns) != 2 || rs.Columns[0] != "speaker" {
		t.Errorf("columns = %v, want [speaker n]", rs.Columns)
	}
	if len(rs.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rs.Rows))
	}
	if rs.Rows[0][1] != "12" {
		t.Errorf("rows[0][1] = %q, want 12", rs.Rows[0][1])
	}
	if rs.Capped {
		t.Error("capped = true, want false")
	}
}

func TestSQLResponse_Rejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`{"error":{"message":"query rejected (forbidden_statement): only SELECT statements are allowed","type":"validation_error","rule":"forbidden_statement"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "test-token",
		httpClient: ts.Client(),
	}

	resp, err := client.post(ctx, "/query/sql", map[string]any{"sql": "DROP TABLE segments"})
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var rs query.ResultSet
	err = decodeJSON(resp, &rs)
	if err == nil {
		t.Fatal("expected error for rejected statement")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("error = %q, want it to contain '400'", err.Error())
	}
	if !strings.Contains(err.Error(), "forbidden_statement") {
		t.Errorf("error = %q, want it to carry the violated rule", err.Error())
	}
}

func TestSearchResponse(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /search": `{"matches":[{"conversation_id":"conv-1","title":"Standup","segment_id":"s3","seq":2,"text":"ship the release","start_time":6,"end_time":9,"confidence":0.85,"score":0.97}],"count":1}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/search", map[string]any{"query": "release plans", "top_k": 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Matches []search.Match `json:"matches"`
		Count   int            `json:"count"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if result.Count != 1 {
		t.Fatalf("count = %d, want 1", result.Count)
	}
	if result.Matches[0].Score < 0.9 {
		t.Errorf("score = %f, want > 0.9", result.Matches[0].Score)
	}
	if result.Matches[0].Text != "ship the release" {
		t.Errorf("text = %q, want 'ship the release'", result.Matches[0].Text)
	}
}

func TestBackupRequest_SendsPath(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /backup": `{"path":"/tmp/out.db","conversations":4,"segments":40,"size_bytes":8192,"sha256":"abc"}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/backup", map[string]string{"path": "/tmp/out.db"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	var sentBody map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sentBody); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sentBody["path"] != "/tmp/out.db" {
		t.Errorf("body.path = %v, want /tmp/out.db", sentBody["path"])
	}
}

func TestReadVectorFile(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "vec.json")
	if err := os.WriteFile(good, []byte(`[0.1, 0.2, 0.3]`), 0o644); err != nil {
		t.Fatal(err)
	}
	vec, err := readVectorFile(good)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("len = %d, want 3", len(vec))
	}
	if vec[1] != 0.2 {
		t.Errorf("vec[1] = %v, want 0.2", vec[1])
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"not":"a vector"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readVectorFile(bad); err == nil {
		t.Error("expected error for non-array JSON")
	}

	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte(`[]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readVectorFile(empty); err == nil {
		t.Error("expected error for empty array")
	}

	if _, err := readVectorFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestStatusProbe_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}
}

func TestStatusProbe_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	_, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"missing or invalid bearer token","type":"unauthorized"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/stats")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4700
	cfg.Embed.Provider = "ollama"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4700" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find server.port=4700 in ShowAll output")
	}
}
