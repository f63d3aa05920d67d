package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/knoguchi/syllabus/internal/search"
)

// DefaultCrossEncoderURL is a local text-embeddings-inference server.
const DefaultCrossEncoderURL = "http://localhost:8081"

// CrossEncoderReranker calls a /rerank endpoint that scores (query, text)
// pairs jointly, such as text-embeddings-inference serving a bge reranker.
type CrossEncoderReranker struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// CrossEncoderOption is a functional option for configuring CrossEncoderReranker.
type CrossEncoderOption func(*CrossEncoderReranker)

// WithCrossEncoderModel names the model in requests, for servers hosting several.
func WithCrossEncoderModel(model string) CrossEncoderOption {
	return func(r *CrossEncoderReranker) {
		r.model = model
	}
}

// WithCrossEncoderHTTPClient sets a custom HTTP client.
func WithCrossEncoderHTTPClient(client *http.Client) CrossEncoderOption {
	return func(r *CrossEncoderReranker) {
		r.httpClient = client
	}
}

// NewCrossEncoderReranker creates a client for the rerank server at baseURL.
func NewCrossEncoderReranker(baseURL string, opts ...CrossEncoderOption) *CrossEncoderReranker {
	if baseURL == "" {
		baseURL = DefaultCrossEncoderURL
	}
	r := &CrossEncoderReranker{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type crossEncoderRequest struct {
	Model    string   `json:"model,omitempty"`
	Query    string   `json:"query"`
	Texts    []string `json:"texts"`
	Truncate bool     `json:"truncate"`
}

type crossEncoderScore struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
}

// Name returns "crossencoder".
func (r *CrossEncoderReranker) Name() string {
	return "crossencoder"
}

// Rerank scores all candidates in one request.
func (r *CrossEncoderReranker) Rerank(ctx context.Context, query string, candidates []search.Candidate) ([]search.Candidate, error) {
	if len(candidates) == 0 {
		return []search.Candidate{}, nil
	}

	body, err := json.Marshal(crossEncoderRequest{
		Model:    r.model,
		Query:    query,
		Texts:    describeAll(candidates),
		Truncate: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cross-encoder request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("cross-encoder API error (status %d): %s", resp.StatusCode, string(msg))
	}

	var results []crossEncoderScore
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScoreMismatch, err)
	}

	scores, err := scatter(results, len(candidates))
	if err != nil {
		return nil, err
	}
	return apply(candidates, scores)
}

// scatter places index-tagged scores by position. Every index in [0, n)
// must appear exactly once.
func scatter(results []crossEncoderScore, n int) ([]float32, error) {
	if len(results) != n {
		return nil, fmt.Errorf("%w: %d scores for %d candidates", ErrScoreMismatch, len(results), n)
	}

	scores := make([]float32, n)
	seen := make([]bool, n)
	for _, s := range results {
		if s.Index < 0 || s.Index >= n || seen[s.Index] {
			return nil, fmt.Errorf("%w: bad or repeated index %d", ErrScoreMismatch, s.Index)
		}
		seen[s.Index] = true
		scores[s.Index] = s.Score
	}
	return scores, nil
}

var _ Reranker = (*CrossEncoderReranker)(nil)
