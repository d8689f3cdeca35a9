package embedding

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(url string) *Client {
	c := NewClient(url, "test-model")
	c.sleep = func(time.Duration) {}
	return c
}

func TestEmbedSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req embeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Prompt != "hello" {
			t.Errorf("prompt = %q", req.Prompt)
		}
		json.NewEncoder(w).Encode(embeddingResponse{Embedding: []float64{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	emb, err := newTestClient(srv.URL).Embed("hello")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(emb) != 3 {
		t.Errorf("got %d dims, want 3", len(emb))
	}
}

func TestEmbedRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(embeddingResponse{Embedding: []float64{1}})
	}))
	defer srv.Close()

	emb, err := newTestClient(srv.URL).Embed("retry me")
	if err != nil {
		t.Fatalf("embed after retries: %v", err)
	}
	if len(emb) != 1 {
		t.Errorf("embedding = %v", emb)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server called %d times, want 3", got)
	}
}

func TestEmbedGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Embed("doomed")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrPermanent) {
		t.Error("exhausted retries should not be ErrPermanent")
	}
	if got := calls.Load(); got != maxAttempts {
		t.Errorf("server called %d times, want %d", got, maxAttempts)
	}
}

func TestEmbedClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Embed("bad input")
	if !errors.Is(err, ErrPermanent) {
		t.Errorf("err = %v, want ErrPermanent", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("client error retried %d times", got)
	}
}

func TestEmbedEmptyText(t *testing.T) {
	if _, err := newTestClient("http://unused").Embed(""); !errors.Is(err, ErrPermanent) {
		t.Errorf("empty text err = %v, want ErrPermanent", err)
	}
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "reformulated query", Done: true})
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Generate("reformulate this")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "reformulated query" {
		t.Errorf("response = %q", got)
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float64{1, 0}
	b := []float64{0, 1}
	if sim := CosineSimilarity(a, a); sim < 0.999 {
		t.Errorf("self similarity = %f", sim)
	}
	if sim := CosineSimilarity(a, b); sim > 0.001 {
		t.Errorf("orthogonal similarity = %f", sim)
	}
	if sim := CosineSimilarity(a, []float64{1}); sim != 0 {
		t.Errorf("mismatched dims similarity = %f", sim)
	}
}
