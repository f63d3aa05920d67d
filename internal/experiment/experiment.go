// Package experiment runs batches of queries described in a YAML file and
// writes their results under a per-run directory.
package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/knoguchi/syllabus/internal/corpus"
	"github.com/knoguchi/syllabus/internal/search"
	"github.com/knoguchi/syllabus/internal/service"
)

// ErrNoQueries is returned for an experiment file without queries.
var ErrNoQueries = errors.New("experiment has no queries")

const (
	resultsFile = "results.json"
	reportFile  = "report.md"
)

// QuerySpec is one query in an experiment file. Filter and TopK override
// the experiment-wide values when set.
type QuerySpec struct {
	Text   string         `yaml:"text"`
	Filter map[string]any `yaml:"metadata_filter"`
	TopK   int            `yaml:"top_k"`
}

// Experiment is the content of an experiment file.
type Experiment struct {
	Name      string         `yaml:"name"`
	OutputDir string         `yaml:"output_dir"`
	TopK      int            `yaml:"top_k"`
	Filter    map[string]any `yaml:"metadata_filter"`
	Queries   []QuerySpec    `yaml:"queries"`
}

// Load reads an experiment file.
func Load(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment: %w", err)
	}

	var exp Experiment
	if err := yaml.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("failed to parse experiment %s: %w", path, err)
	}
	if len(exp.Queries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoQueries, path)
	}
	if exp.OutputDir == "" {
		exp.OutputDir = "data/experiments"
	}
	return &exp, nil
}

// ToQueries converts the experiment into service queries.
func (e *Experiment) ToQueries() ([]service.Query, error) {
	out := make([]service.Query, len(e.Queries))
	for i, qs := range e.Queries {
		raw := qs.Filter
		if raw == nil {
			raw = e.Filter
		}
		filter, err := toFilter(raw)
		if err != nil {
			return nil, fmt.Errorf("query %d: %w", i, err)
		}

		topK := qs.TopK
		if topK == 0 {
			topK = e.TopK
		}
		out[i] = service.Query{Text: qs.Text, Filter: filter, TopK: topK}
	}
	return out, nil
}

// toFilter reuses the JSON filter decoding so YAML and API filters accept
// the same shapes.
func toFilter(raw map[string]any) (search.Filter, error) {
	var f search.Filter
	if len(raw) == 0 {
		return f, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return f, fmt.Errorf("%w: %v", search.ErrInvalidFilter, err)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, err
	}
	return f, nil
}

// BatchSearcher answers a list of queries.
type BatchSearcher interface {
	SearchAll(ctx context.Context, queries []service.Query) ([]*service.Result, error)
}

// Run is a completed experiment run.
type Run struct {
	ID      string
	Dir     string
	Results []*service.Result
}

// Execute runs every query and writes results.json and report.md into a new
// run directory under the experiment's output directory.
func Execute(ctx context.Context, exp *Experiment, searcher BatchSearcher) (*Run, error) {
	queries, err := exp.ToQueries()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	results, err := searcher.SearchAll(ctx, queries)
	if err != nil {
		return nil, err
	}

	run := &Run{ID: uuid.NewString(), Results: results}
	run.Dir = filepath.Join(exp.OutputDir, run.ID)
	if err := os.MkdirAll(run.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	if err := corpus.WriteJSON(filepath.Join(run.Dir, resultsFile), results); err != nil {
		return nil, err
	}
	report := Report(exp.Name, run.ID, results)
	if err := os.WriteFile(filepath.Join(run.Dir, reportFile), []byte(report), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write report: %w", err)
	}

	slog.Info("experiment finished",
		"name", exp.Name,
		"run_id", run.ID,
		"queries", len(results),
		"dir", run.Dir,
		"duration", time.Since(start),
	)
	return run, nil
}

// Report renders results as Markdown, one table per query.
func Report(name, runID string, results []*service.Result) string {
	var b strings.Builder
	title := name
	if title == "" {
		title = "experiment"
	}
	fmt.Fprintf(&b, "# %s\n\nrun: `%s`\n", title, runID)

	for i, res := range results {
		fmt.Fprintf(&b, "\n## %d. %s\n\n", i+1, cell(res.Query))
		if len(res.Results) == 0 {
			b.WriteString("_no results_\n")
			continue
		}
		b.WriteString("| # | course | url | distance | score |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for j, item := range res.Results {
			fmt.Fprintf(&b, "| %d | %s | %s | %.4f | %g |\n",
				j+1,
				cell(item.Metadata[corpus.KeyCourseTitle]),
				cell(item.Metadata[corpus.KeyURL]),
				item.Distance,
				item.Score,
			)
		}
	}
	return b.String()
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
