package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/knoguchi/syllabus/internal/llm"
	"github.com/knoguchi/syllabus/internal/search"
)

const (
	minScore = 1
	maxScore = 10

	defaultMaxDescriptionRunes = 1200
)

// LLMReranker asks a chat model for a 1-10 relevance score per candidate.
// The model sees the query and all candidates together in one prompt.
type LLMReranker struct {
	llmClient llm.LLM
	model     string
	maxRunes  int
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel sets the model to use for reranking.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// WithMaxDescriptionRunes truncates each candidate description in the prompt.
func WithMaxDescriptionRunes(n int) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.maxRunes = n
	}
}

// NewLLMReranker creates a new LLM-based reranker.
func NewLLMReranker(llmClient llm.LLM, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		llmClient: llmClient,
		model:     llmClient.ModelName(),
		maxRunes:  defaultMaxDescriptionRunes,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Name returns "llm".
func (r *LLMReranker) Name() string {
	return "llm"
}

// Rerank scores every candidate with one LLM call.
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []search.Candidate) ([]search.Candidate, error) {
	if len(candidates) == 0 {
		return []search.Candidate{}, nil
	}

	prompt := r.buildRerankPrompt(query, candidates)

	response, err := r.llmClient.Generate(ctx, prompt, llm.GenerateOptions{
		Model:       r.model,
		Temperature: 0.0,
		MaxTokens:   256 + 8*len(candidates),
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM reranking failed: %w", err)
	}

	scores, err := parseRerankResponse(response, len(candidates))
	if err != nil {
		return nil, err
	}

	return apply(candidates, scores)
}

func (r *LLMReranker) buildRerankPrompt(query string, candidates []search.Candidate) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system for university course syllabi.\n")
	sb.WriteString("Score how well each course matches the student's request.\n\n")
	sb.WriteString("Request: ")
	sb.WriteString(query)
	sb.WriteString("\n\nCourses:\n")

	for i, c := range candidates {
		sb.WriteString(truncateRunes(Describe(i, c.Metadata), r.maxRunes))
		sb.WriteString("\n\n")
	}

	fmt.Fprintf(&sb, `Give every course an integer score from %d (irrelevant) to %d (perfect match).
Return exactly %d scores, in the order the courses are listed.
Output ONLY valid JSON in this exact format:
{"scores": [7, 3, ...]}`, minScore, maxScore, len(candidates))

	return sb.String()
}

// parseRerankResponse extracts exactly n scores from the model output.
func parseRerankResponse(response string, n int) ([]float32, error) {
	body := stripFences(response)

	var parsed rerankResponse
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScoreMismatch, err)
	}
	if len(parsed.Scores) != n {
		return nil, fmt.Errorf("%w: %d scores for %d candidates", ErrScoreMismatch, len(parsed.Scores), n)
	}

	scores := make([]float32, n)
	for i, s := range parsed.Scores {
		if math.IsNaN(s) || s < minScore || s > maxScore {
			return nil, fmt.Errorf("%w: score %v at %d outside %d-%d", ErrScoreMismatch, s, i, minScore, maxScore)
		}
		if s != math.Trunc(s) {
			return nil, fmt.Errorf("%w: score %v at %d is not an integer", ErrScoreMismatch, s, i)
		}
		scores[i] = float32(s)
	}
	return scores, nil
}

// stripFences removes a surrounding markdown code block if present.
func stripFences(response string) string {
	response = strings.TrimSpace(response)

	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	return strings.TrimSpace(response)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// Ensure LLMReranker implements Reranker interface.
var _ Reranker = (*LLMReranker)(nil)
