package embedder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewSelectsProvider(t *testing.T) {
	e, err := New(Options{})
	if err != nil {
		t.Fatalf("New(none): %v", err)
	}
	if e != nil {
		t.Errorf("New(none) = %T, want nil", e)
	}

	e, err = New(Options{Provider: "ollama"})
	if err != nil {
		t.Fatalf("New(ollama): %v", err)
	}
	if _, ok := e.(*Ollama); !ok {
		t.Errorf("New(ollama) = %T, want *Ollama", e)
	}

	if _, err := New(Options{Provider: "openai"}); err == nil {
		t.Error("New(openai) without API key should fail")
	}

	if _, err := New(Options{Provider: "anthropic"}); err == nil {
		t.Error("New(anthropic) should fail for unknown provider")
	}
}

func TestOllamaEmbed(t *testing.T) {
	var gotModel, gotInput string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotModel, gotInput = req.Model, req.Input

		json.NewEncoder(w).Encode(embedResponse{
			Embeddings: [][]float32{{0.1, 0.2, 0.3}},
		})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "nomic-embed-text")
	vec, err := o.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if gotModel != "nomic-embed-text" {
		t.Errorf("request model = %q, want %q", gotModel, "nomic-embed-text")
	}
	if gotInput != "hello world" {
		t.Errorf("request input = %q, want %q", gotInput, "hello world")
	}

	want := []float32{0.1, 0.2, 0.3}
	if len(vec) != len(want) {
		t.Fatalf("got %d floats, want %d", len(vec), len(want))
	}
	for i, w := range want {
		if vec[i] != w {
			t.Errorf("vec[%d] = %f, want %f", i, vec[i], w)
		}
	}
}

func TestOllamaEmbed_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "nomic-embed-text")
	_, err := o.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error on 500 response")
	}
	if !strings.Contains(err.Error(), "unexpected status 500") {
		t.Errorf("error = %q, want it to mention the status", err)
	}
}

func TestOllamaEmbed_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "nomic-embed-text")
	_, err := o.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error on empty embeddings")
	}
}

func TestOllamaIsRunning_Up(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "")
	if !o.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
}

func TestOllamaIsRunning_Down(t *testing.T) {
	// Point at a closed server to simulate connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	o := NewOllama(srv.URL, "")
	if o.IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
}

func TestProviderNames(t *testing.T) {
	o := NewOllama("", "")
	if got := o.Name(); got != "ollama/nomic-embed-text" {
		t.Errorf("ollama Name() = %q, want %q", got, "ollama/nomic-embed-text")
	}

	oa, err := NewOpenAI("sk-test", "")
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	if got := oa.Name(); got != "openai/text-embedding-3-small" {
		t.Errorf("openai Name() = %q, want %q", got, "openai/text-embedding-3-small")
	}
}

// seqEmbedder returns a distinct vector per text so batch order is visible.
type seqEmbedder struct {
	failOn string
}

func (s *seqEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if text == s.failOn {
		return nil, fmt.Errorf("boom")
	}
	return []float32{float32(len(text))}, nil
}

func (s *seqEmbedder) Name() string { return "seq" }

func TestEmbedBatchPreservesOrder(t *testing.T) {
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff"}
	vecs, err := EmbedBatch(context.Background(), &seqEmbedder{}, texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}

	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	for i, text := range texts {
		if vecs[i][0] != float32(len(text)) {
			t.Errorf("vecs[%d] = %f, want %f", i, vecs[i][0], float32(len(text)))
		}
	}
}

func TestEmbedBatchPropagatesFailure(t *testing.T) {
	texts := []string{"ok", "bad", "fine"}
	_, err := EmbedBatch(context.Background(), &seqEmbedder{failOn: "bad"}, texts)
	if err == nil {
		t.Fatal("expected error when one embed fails")
	}
	if !strings.Contains(err.Error(), "embedding text 1") {
		t.Errorf("error = %q, want it to name the failing index", err)
	}
}
