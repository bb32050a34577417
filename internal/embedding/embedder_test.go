package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/deflect/internal/httpjson"
)

type mockBackend struct {
	model   string
	embedFn func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockBackend) Model() string { return m.model }

func (m *mockBackend) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return m.embedFn(ctx, text)
}

func TestEmbed_PadsAndTagsModel(t *testing.T) {
	e := NewEmbedder(&mockBackend{
		model: "small",
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			return []float32{1, 2, 3}, nil
		},
	}, 5)

	emb, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if emb.Model != "small" {
		t.Errorf("Model = %q, want small", emb.Model)
	}
	want := []float32{1, 2, 3, 0, 0}
	if len(emb.Vector) != len(want) {
		t.Fatalf("len = %d, want %d", len(emb.Vector), len(want))
	}
	for i := range want {
		if emb.Vector[i] != want[i] {
			t.Errorf("Vector[%d] = %v, want %v", i, emb.Vector[i], want[i])
		}
	}
}

func TestEmbed_TruncatesInput(t *testing.T) {
	var gotLen int
	e := NewEmbedder(&mockBackend{
		model: "m",
		embedFn: func(_ context.Context, text string) ([]float32, error) {
			gotLen = len([]rune(text))
			return []float32{1}, nil
		},
	}, 0)

	long := "  " + strings.Repeat("é", MaxInputChars+500) + "  "
	if _, err := e.Embed(context.Background(), long); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if gotLen != MaxInputChars {
		t.Errorf("sent %d runes, want %d", gotLen, MaxInputChars)
	}
}

func TestEmbed_WrapsFailure(t *testing.T) {
	upstream := errors.New("boom")
	e := NewEmbedder(&mockBackend{
		model: "m",
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			return nil, upstream
		},
	}, 4)

	_, err := e.Embed(context.Background(), "q")
	var embErr *Error
	if !errors.As(err, &embErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if !errors.Is(err, upstream) {
		t.Error("error should wrap the upstream cause")
	}
}

func TestEmbed_EmptyInput(t *testing.T) {
	calls := 0
	e := NewEmbedder(&mockBackend{
		model: "m",
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			calls++
			return []float32{1}, nil
		},
	}, 4)

	if _, err := e.Embed(context.Background(), "   "); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("err = %v, want ErrEmptyInput", err)
	}
	if calls != 0 {
		t.Errorf("backend called %d times for empty input", calls)
	}
}

func TestPad_RejectsWiderVector(t *testing.T) {
	if _, err := Pad([]float32{1, 2, 3}, 2); err == nil {
		t.Error("expected error for vector wider than store")
	}
}

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	e := NewEmbedder(&mockBackend{
		model: "m",
		embedFn: func(_ context.Context, text string) ([]float32, error) {
			var n float32
			fmt.Sscanf(text, "t%f", &n)
			return []float32{n}, nil
		},
	}, 1)

	texts := []string{"t1", "t2", "t3", "t4", "t5", "t6"}
	out, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, emb := range out {
		if emb.Vector[0] != float32(i+1) {
			t.Errorf("out[%d] = %v, want %d", i, emb.Vector[0], i+1)
		}
	}
}

func TestEmbedBatch_FailsOnAnyError(t *testing.T) {
	var calls atomic.Int32
	e := NewEmbedder(&mockBackend{
		model: "m",
		embedFn: func(_ context.Context, text string) ([]float32, error) {
			calls.Add(1)
			if text == "bad" {
				return nil, errors.New("nope")
			}
			return []float32{1}, nil
		},
	}, 1)

	if _, err := e.EmbedBatch(context.Background(), []string{"ok", "bad"}); err == nil {
		t.Fatal("expected batch error")
	}
}

func TestHTTPBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req httpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Model != "nomic-embed-text" || req.Text != "opening hours" {
			t.Errorf("request = %+v", req)
		}
		w.Write([]byte(`{"vector":[0.1,0.2]}`))
	}))
	defer srv.Close()

	b := NewHTTPBackend(httpjson.New(nil, time.Second), srv.URL, "nomic-embed-text")
	e := NewEmbedder(b, 4)
	emb, err := e.Embed(context.Background(), "opening hours")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(emb.Vector) != 4 || emb.Vector[0] != 0.1 || emb.Vector[3] != 0 {
		t.Errorf("Vector = %v", emb.Vector)
	}
}

func TestHTTPBackend_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	e := NewEmbedder(NewHTTPBackend(httpjson.New(nil, time.Second), srv.URL, "m"), 4)
	_, err := e.Embed(context.Background(), "q")
	var se *httpjson.StatusError
	if !errors.As(err, &se) || se.Message != "bad key" {
		t.Fatalf("err = %v, want wrapped StatusError with upstream message", err)
	}
}

func TestOpenAIBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			t.Errorf("path = %s, want .../embeddings", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.5,0.5,0.5]}],"model":"text-embedding-3-small"}`))
	}))
	defer srv.Close()

	b := NewOpenAIBackend("sk-test", srv.URL+"/v1", "text-embedding-3-small", time.Second)
	emb, err := NewEmbedder(b, 3).Embed(context.Background(), "q")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if emb.Model != "text-embedding-3-small" || len(emb.Vector) != 3 {
		t.Errorf("emb = %+v", emb)
	}
}

func TestOpenAIBackend_NoKey(t *testing.T) {
	b := NewOpenAIBackend("", "", "m", time.Second)
	_, err := NewEmbedder(b, 3).Embed(context.Background(), "q")
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}
