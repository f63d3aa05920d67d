package ingestion

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knoguchi/syllabus/internal/config"
	"github.com/knoguchi/syllabus/internal/corpus"
)

// PipelineConfig holds configuration for the corpus build pipeline.
type PipelineConfig struct {
	// Method selects which fields become chunk text.
	Method config.PreprocessMethod

	// Normalize collapses whitespace before chunking.
	Normalize bool

	// Chunker splits course text. Defaults to 2048-rune windows.
	Chunker Chunker
}

// PipelineStats contains statistics about a build.
type PipelineStats struct {
	// Courses is the number of catalog entries turned into chunks.
	Courses int

	// Missing counts catalog entries with no downloaded page.
	Missing int

	// Chunks is the number of chunks produced.
	Chunks int

	// ProcessingTime is how long the build took.
	ProcessingTime time.Duration
}

// Pipeline builds the chunk list from a catalog and downloaded pages.
type Pipeline struct {
	config PipelineConfig
}

// NewPipeline creates a new build pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Method == "" {
		cfg.Method = config.PreprocessSelected
	}
	if cfg.Chunker == nil {
		cfg.Chunker = RuneChunker{Size: 2048}
	}
	return &Pipeline{config: cfg}
}

// Build parses each cataloged course's page under htmlDir (found as
// <course_id>.html anywhere below it) and chunks it. Departments are visited
// in sorted order and courses in catalog order.
func (p *Pipeline) Build(ctx context.Context, catalog Catalog, htmlDir string) ([]corpus.Chunk, PipelineStats, error) {
	start := time.Now()
	var stats PipelineStats

	pages, err := indexPages(htmlDir)
	if err != nil {
		return nil, stats, err
	}

	var chunks []corpus.Chunk
	for _, department := range catalog.Departments() {
		for _, entry := range catalog[department] {
			if err := ctx.Err(); err != nil {
				return nil, stats, err
			}
			if entry.CourseID == "" {
				slog.Warn("catalog entry without course id", "department", department, "title", entry.CourseTitle)
				continue
			}

			path, ok := pages[entry.CourseID]
			if !ok {
				stats.Missing++
				slog.Debug("no page for course", "course_id", entry.CourseID)
				continue
			}

			courseChunks, err := p.processFile(path, department, entry)
			if err != nil {
				return nil, stats, err
			}
			for _, c := range courseChunks {
				c.ID = len(chunks)
				chunks = append(chunks, c)
			}
			stats.Courses++
		}
	}

	stats.Chunks = len(chunks)
	stats.ProcessingTime = time.Since(start)

	slog.Info("built chunk list",
		"courses", stats.Courses,
		"missing", stats.Missing,
		"chunks", stats.Chunks,
		"duration", stats.ProcessingTime,
	)
	return chunks, stats, nil
}

func (p *Pipeline) processFile(path, department string, entry CatalogEntry) ([]corpus.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	defer f.Close()

	syllabus, err := ParseSyllabus(f)
	if err != nil {
		return nil, fmt.Errorf("course %s: %w", entry.CourseID, err)
	}
	return p.Process(department, entry, syllabus), nil
}

// Process turns one parsed syllabus into chunks. Every chunk carries the
// catalog fields plus all parsed fields as metadata.
func (p *Pipeline) Process(department string, entry CatalogEntry, syllabus Syllabus) []corpus.Chunk {
	text := p.courseText(entry, syllabus)
	if p.config.Normalize {
		text = Normalize(text)
	}

	base := corpus.Metadata{
		corpus.KeyCourseID:    entry.CourseID,
		corpus.KeyCourseTitle: entry.CourseTitle,
		corpus.KeyDepartment:  department,
		corpus.KeySection:     entry.Section,
		corpus.KeyURL:         entry.URL,
	}
	for k, v := range syllabus {
		if _, reserved := base[k]; !reserved {
			base[k] = v
		}
	}

	pieces := p.config.Chunker.Chunk(text)
	chunks := make([]corpus.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = corpus.Chunk{Text: piece, Metadata: base.Clone()}
	}
	return chunks
}

func (p *Pipeline) courseText(entry CatalogEntry, syllabus Syllabus) string {
	lines := []string{entry.CourseTitle}

	selected := make(map[string]bool, len(SelectedKeys))
	for _, k := range SelectedKeys {
		selected[k] = true
	}

	for _, f := range Fields {
		if p.config.Method == config.PreprocessSelected && !selected[f.Key] {
			continue
		}
		if v, ok := syllabus[f.Key]; ok {
			lines = append(lines, f.Label()+": "+v)
		}
	}
	return strings.Join(lines, "\n")
}

// indexPages maps course ids to page paths found anywhere under dir.
func indexPages(dir string) (map[string]string, error) {
	pages := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".html" {
			return nil
		}
		id := strings.TrimSuffix(d.Name(), ".html")
		if prev, dup := pages[id]; dup {
			slog.Warn("duplicate page for course", "course_id", id, "kept", prev, "ignored", path)
			return nil
		}
		pages[id] = path
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan page directory %s: %w", dir, err)
	}
	return pages, nil
}
