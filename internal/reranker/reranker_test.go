package reranker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/syllabus/internal/corpus"
	"github.com/knoguchi/syllabus/internal/llm"
	"github.com/knoguchi/syllabus/internal/search"
)

type fakeLLM struct {
	response string
	err      error
	prompt   string
	opts     llm.GenerateOptions
}

func (f *fakeLLM) Generate(_ context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	f.prompt = prompt
	f.opts = opts
	return f.response, f.err
}

func (f *fakeLLM) ModelName() string { return "fake" }

// threeCandidates has distances [1.0, 2.0, 0.5].
func threeCandidates() []search.Candidate {
	return []search.Candidate{
		{ChunkID: 10, Distance: 1.0, Metadata: corpus.Metadata{"course_id": "A", "course_title": "Civil Law"}},
		{ChunkID: 20, Distance: 2.0, Metadata: corpus.Metadata{"course_id": "B", "course_title": "Robotics"}},
		{ChunkID: 30, Distance: 0.5, Metadata: corpus.Metadata{"course_id": "C", "course_title": "Ethics"}},
	}
}

func chunkIDs(cands []search.Candidate) []int {
	out := make([]int, len(cands))
	for i, c := range cands {
		out[i] = c.ChunkID
	}
	return out
}

func TestLLMRerank_ScoreThenDistance(t *testing.T) {
	f := &fakeLLM{response: `{"scores": [5, 9, 5]}`}
	r := NewLLMReranker(f)

	in := threeCandidates()
	got, err := r.Rerank(context.Background(), "ロボットを作りたい", in)
	require.NoError(t, err)

	assert.Equal(t, []int{20, 30, 10}, chunkIDs(got))
	assert.Equal(t, []float32{9, 5, 5}, []float32{got[0].Score, got[1].Score, got[2].Score})

	assert.Equal(t, float32(0), in[0].Score, "input must not be modified")
	assert.True(t, f.opts.JSON)
	assert.Equal(t, "fake", f.opts.Model)
	assert.Contains(t, f.prompt, "ロボットを作りたい")
	assert.Contains(t, f.prompt, "2. Course: Robotics")
	assert.Contains(t, f.prompt, "exactly 3 scores")
}

func TestLLMRerank_Permutation(t *testing.T) {
	r := NewLLMReranker(&fakeLLM{response: "```json\n{\"scores\": [2, 10, 7]}\n```"})

	in := threeCandidates()
	got, err := r.Rerank(context.Background(), "q", in)
	require.NoError(t, err)
	require.Len(t, got, len(in))
	assert.ElementsMatch(t, chunkIDs(in), chunkIDs(got))
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
}

func TestLLMRerank_Failures(t *testing.T) {
	cases := map[string]string{
		"too few":      `{"scores": [5, 9]}`,
		"too many":     `{"scores": [5, 9, 5, 1]}`,
		"out of range": `{"scores": [5, 11, 5]}`,
		"zero":         `{"scores": [0, 9, 5]}`,
		"fractional":   `{"scores": [7.5, 3, 5]}`,
		"not json":     `I think the second course is best.`,
		"wrong shape":  `{"ranking": [1, 2, 3]}`,
	}
	for name, resp := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewLLMReranker(&fakeLLM{response: resp})
			got, err := r.Rerank(context.Background(), "q", threeCandidates())
			assert.ErrorIs(t, err, ErrScoreMismatch)
			assert.Nil(t, got)
		})
	}
}

func TestLLMRerank_ProviderError(t *testing.T) {
	boom := errors.New("rate limited")
	r := NewLLMReranker(&fakeLLM{err: boom})

	_, err := r.Rerank(context.Background(), "q", threeCandidates())
	assert.ErrorIs(t, err, boom)
}

func TestLLMRerank_EmptySkipsCall(t *testing.T) {
	f := &fakeLLM{}
	got, err := NewLLMReranker(f).Rerank(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, f.prompt)
}

func TestDescribe(t *testing.T) {
	got := Describe(0, corpus.Metadata{
		"course_id":    "31001",
		"course_title": "民法総則",
		"schedule":     "月1",
		"department":   "法学部",
	})
	assert.Equal(t, "1. Course: 民法総則\n   Details: course_title: 民法総則, department: 法学部, schedule: 月1", got)
	assert.NotContains(t, got, "31001")
}

func TestSort_Stable(t *testing.T) {
	c := []search.Candidate{
		{ChunkID: 1, Score: 3, Distance: 1},
		{ChunkID: 2, Score: 3, Distance: 1},
		{ChunkID: 3, Score: 4, Distance: 9},
	}
	Sort(c)
	assert.Equal(t, []int{3, 1, 2}, chunkIDs(c))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "講義...", truncateRunes("講義概要", 2))
	assert.Equal(t, "abc", truncateRunes("abc", 5))
}

type vecEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (e *vecEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.vectors[text], nil
}

func (e *vecEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		// Key descriptions by title so tests need not spell them out.
		for key, v := range e.vectors {
			if strings.Contains(t, "Course: "+key+"\n") {
				out[i] = v
			}
		}
	}
	return out, nil
}

func (e *vecEmbedder) Dimension() int   { return 2 }
func (e *vecEmbedder) ModelName() string { return "vec" }

func TestEmbeddingRerank_Cosine(t *testing.T) {
	emb := &vecEmbedder{vectors: map[string][]float32{
		"robots":    {1, 0},
		"Civil Law": {0, 1},
		"Robotics":  {1, 0.1},
		"Ethics":    {1, 1},
	}}
	r := NewEmbeddingReranker(emb, emb)

	got, err := r.Rerank(context.Background(), "robots", threeCandidates())
	require.NoError(t, err)
	assert.Equal(t, []int{20, 30, 10}, chunkIDs(got))
	assert.InDelta(t, 0.0, got[2].Score, 1e-6)
}

func TestEmbeddingRerank_QueryError(t *testing.T) {
	boom := errors.New("embed failed")
	r := NewEmbeddingReranker(&vecEmbedder{err: boom}, &vecEmbedder{})

	_, err := r.Rerank(context.Background(), "q", threeCandidates())
	assert.ErrorIs(t, err, boom)
}

func TestCrossEncoderRerank(t *testing.T) {
	var got crossEncoderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode([]crossEncoderScore{
			{Index: 1, Score: 0.9},
			{Index: 0, Score: 0.2},
			{Index: 2, Score: 0.2},
		})
	}))
	defer srv.Close()

	r := NewCrossEncoderReranker(srv.URL, WithCrossEncoderModel("bge-reranker"))
	out, err := r.Rerank(context.Background(), "robots", threeCandidates())
	require.NoError(t, err)

	assert.Equal(t, []int{20, 30, 10}, chunkIDs(out))
	assert.Equal(t, "robots", got.Query)
	assert.Equal(t, "bge-reranker", got.Model)
	assert.Len(t, got.Texts, 3)
}

func TestCrossEncoderRerank_IncompleteCoverage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]crossEncoderScore{{Index: 0, Score: 1}, {Index: 0, Score: 1}, {Index: 2, Score: 1}})
	}))
	defer srv.Close()

	_, err := NewCrossEncoderReranker(srv.URL).Rerank(context.Background(), "q", threeCandidates())
	assert.ErrorIs(t, err, ErrScoreMismatch)
}

func TestCrossEncoderRerank_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewCrossEncoderReranker(srv.URL).Rerank(context.Background(), "q", threeCandidates())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}
