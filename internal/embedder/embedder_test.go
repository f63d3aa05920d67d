package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lengthEmbedder maps a text to [len(text)] and records batch sizes.
type lengthEmbedder struct {
	inputs  []string
	batches []int
	fail    bool
}

func (e *lengthEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (e *lengthEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if e.fail {
		return nil, errors.New("provider down")
	}
	e.batches = append(e.batches, len(texts))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		e.inputs = append(e.inputs, t)
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func (e *lengthEmbedder) Dimension() int   { return 1 }
func (e *lengthEmbedder) ModelName() string { return "length" }

func TestEmbedAll_Batches(t *testing.T) {
	e := &lengthEmbedder{}
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}

	got, err := EmbedAll(context.Background(), e, texts, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, e.batches)
	require.Len(t, got, 5)
	assert.Equal(t, float32(4), got[3][0])
}

func TestEmbedAll_Error(t *testing.T) {
	_, err := EmbedAll(context.Background(), &lengthEmbedder{fail: true}, []string{"a"}, 10)
	assert.ErrorContains(t, err, "provider down")
}

func TestWithPrefix(t *testing.T) {
	base := &lengthEmbedder{}
	assert.Same(t, base, WithPrefix(base, "").(*lengthEmbedder))

	q := WithPrefix(base, "query: ")
	_, err := q.Embed(context.Background(), "法学")
	require.NoError(t, err)
	_, err = q.EmbedBatch(context.Background(), []string{"x", "y"})
	require.NoError(t, err)

	assert.Equal(t, []string{"query: 法学", "query: x", "query: y"}, base.inputs)
	assert.Equal(t, "length", q.ModelName())
}

// lengthOllama answers /api/embed with [len(input), 0, ...] vectors of dim
// values and counts the calls it receives.
func lengthOllama(t *testing.T, dim int, calls *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/embed", r.URL.Path)

		var req embedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)

		resp := embedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i, in := range req.Input {
			v := make([]float32, dim)
			v[0] = float32(len(in))
			resp.Embeddings[i] = v
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestOllamaEmbedBatch_ChunksAndPreservesOrder(t *testing.T) {
	var calls atomic.Int32
	srv := lengthOllama(t, 768, &calls)
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, ChunkSize: 2, BatchConcurrency: 2})
	assert.Equal(t, 768, e.Dimension())

	texts := []string{"a", "bbb", "cc", strings.Repeat("d", 10), "eeeee"}
	got, err := e.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, got, len(texts))
	for i, text := range texts {
		assert.Equal(t, float32(len(text)), got[i][0])
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestOllamaEmbed_Single(t *testing.T) {
	var calls atomic.Int32
	srv := lengthOllama(t, 768, &calls)
	defer srv.Close()

	got, err := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL}).Embed(context.Background(), "民法総則")
	require.NoError(t, err)
	assert.Len(t, got, 768)
	assert.Equal(t, float32(len("民法総則")), got[0])
}

func TestOllamaEmbed_DimensionMismatch(t *testing.T) {
	var calls atomic.Int32
	srv := lengthOllama(t, 384, &calls)
	defer srv.Close()

	_, err := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL}).EmbedBatch(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, Dimension: 384})
	_, err = e.EmbedBatch(context.Background(), []string{"x"})
	assert.NoError(t, err)
}

func TestOllamaEmbed_BadResponses(t *testing.T) {
	cases := map[string]func(w http.ResponseWriter){
		"empty":       func(w http.ResponseWriter) { w.Write([]byte(`{"embeddings":[]}`)) },
		"short count": func(w http.ResponseWriter) { w.Write([]byte(`{"embeddings":[[1,2]]}`)) },
		"server error": func(w http.ResponseWriter) {
			http.Error(w, "model not found", http.StatusNotFound)
		},
	}
	for name, respond := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				respond(w)
			}))
			defer srv.Close()

			e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, Dimension: 2})
			_, err := e.EmbedBatch(context.Background(), []string{"x", "y"})
			assert.Error(t, err)
		})
	}
}

func TestDimensionFor(t *testing.T) {
	assert.Equal(t, 1024, DimensionFor("bge-m3", 0))
	assert.Equal(t, 42, DimensionFor("unknown", 42))
}
