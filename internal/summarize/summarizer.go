package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knoguchi/syllabus/internal/corpus"
	"github.com/knoguchi/syllabus/internal/ingestion"
)

// DefaultInstruction asks for a bulleted summary led by the course name and
// the owning department.
const DefaultInstruction = "以下の文章を科目名、所属部局などを箇条書きで要約してください。"

// Summarizer turns a corpus into per-course summaries.
type Summarizer struct {
	client      BatchClient
	model       string
	batchSize   int
	instruction string
	wait        WaitConfig
}

// Option configures a Summarizer.
type Option func(*Summarizer)

// WithBatchSize limits how many courses go into one batch job.
func WithBatchSize(n int) Option {
	return func(s *Summarizer) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithInstruction replaces the summary instruction prefix.
func WithInstruction(text string) Option {
	return func(s *Summarizer) {
		s.instruction = text
	}
}

// WithWait sets the polling schedule.
func WithWait(cfg WaitConfig) Option {
	return func(s *Summarizer) {
		s.wait = cfg
	}
}

// New creates a Summarizer that submits jobs for model through client.
func New(client BatchClient, model string, opts ...Option) *Summarizer {
	s := &Summarizer{
		client:      client,
		model:       model,
		batchSize:   3000,
		instruction: DefaultInstruction,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summarize returns one summary per course, aligned with store.CourseOrder().
// Courses are split into batches of at most the configured size, and each
// batch must complete before the next one is submitted.
func (s *Summarizer) Summarize(ctx context.Context, store *corpus.Store) ([]string, error) {
	requests := s.Requests(store)
	summaries := make([]string, 0, len(requests))

	for start := 0; start < len(requests); start += s.batchSize {
		end := min(start+s.batchSize, len(requests))
		batch := requests[start:end]

		job, err := s.client.Submit(ctx, s.model, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to submit batch %d-%d: %w", start, end, err)
		}
		slog.Info("submitted summary batch", "batch_id", job.ID, "courses", len(batch), "offset", start)

		job, err = Wait(ctx, s.client, job, s.wait)
		if err != nil {
			return nil, err
		}

		results, err := s.client.Results(ctx, job)
		if err != nil {
			return nil, fmt.Errorf("failed to read batch %s output: %w", job.ID, err)
		}
		for _, req := range batch {
			text, ok := results[req.CustomID]
			if !ok {
				return nil, fmt.Errorf("%w: %s in batch %s", ErrMissingResult, req.CustomID, job.ID)
			}
			summaries = append(summaries, text)
		}
	}

	return summaries, nil
}

// Requests builds one request per course in first-appearance order.
func (s *Summarizer) Requests(store *corpus.Store) []Request {
	first := make(map[string]corpus.Metadata, len(store.CourseOrder()))
	for _, c := range store.Chunks() {
		if _, ok := first[c.Metadata.CourseID()]; !ok {
			first[c.Metadata.CourseID()] = c.Metadata
		}
	}

	reqs := make([]Request, len(store.CourseOrder()))
	for i, courseID := range store.CourseOrder() {
		reqs[i] = Request{
			CustomID: CustomID(i),
			Prompt:   s.instruction + CourseText(first[courseID]),
		}
	}
	return reqs
}

// CustomID names the request for the i-th course.
func CustomID(i int) string {
	return fmt.Sprintf("course-%05d", i)
}

// CourseText renders a course's parsed fields as normalized text opening
// with the course name.
func CourseText(md corpus.Metadata) string {
	lines := make([]string, 0, len(ingestion.Fields)+1)
	if dept := md[corpus.KeyDepartment]; dept != "" {
		lines = append(lines, "所属: "+dept)
	}
	for _, f := range ingestion.Fields {
		if v := md[f.Key]; v != "" {
			lines = append(lines, f.Label()+": "+v)
		}
	}
	return "科目名は" + md[corpus.KeyCourseTitle] + "。" + ingestion.Normalize(strings.Join(lines, "\n"))
}
