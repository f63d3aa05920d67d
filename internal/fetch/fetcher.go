package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/knoguchi/syllabus/internal/ingestion"
)

// Config holds fetcher settings.
type Config struct {
	// Concurrency bounds in-flight requests. Defaults to 10.
	Concurrency int

	// Interval is how long each worker rests between pages. The shared
	// limiter allows Concurrency requests per Interval.
	Interval time.Duration

	// FailedLog receives one failed URL per line. It is truncated at the
	// start of every run that has work to do. Empty disables it.
	FailedLog string
}

// Stats summarizes a FetchAll run.
type Stats struct {
	Fetched int
	Skipped int
	Failed  int
}

// Fetcher downloads course pages into <dir>/<department>/<course_id>.html.
type Fetcher struct {
	getter  Getter
	config  Config
	limiter *rate.Limiter

	logMu sync.Mutex
}

// NewFetcher creates a fetcher.
func NewFetcher(getter Getter, cfg Config) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}

	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Limit(float64(cfg.Concurrency) / cfg.Interval.Seconds())
	}

	return &Fetcher{
		getter:  getter,
		config:  cfg,
		limiter: rate.NewLimiter(limit, cfg.Concurrency),
	}
}

type task struct {
	url  string
	path string
}

// PagePath is where the page of entry is stored under dir. Entries without a
// course id fall back to a sanitized title.
func PagePath(dir, department string, entry ingestion.CatalogEntry) string {
	name := entry.CourseID
	if name == "" {
		name = strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return r
			}
			return '_'
		}, entry.CourseTitle)
	}
	return filepath.Join(dir, department, name+".html")
}

// FetchAll downloads every catalog page not already present under dir.
// Individual failures are logged and recorded, never retried, and do not
// stop the run. Only context cancellation or a local I/O error aborts it.
func (f *Fetcher) FetchAll(ctx context.Context, catalog ingestion.Catalog, dir string) (Stats, error) {
	var stats Stats
	var tasks []task

	for _, department := range catalog.Departments() {
		if err := os.MkdirAll(filepath.Join(dir, department), 0o755); err != nil {
			return stats, fmt.Errorf("failed to create directory: %w", err)
		}
		for _, entry := range catalog[department] {
			path := PagePath(dir, department, entry)
			if _, err := os.Stat(path); err == nil {
				slog.Debug("skipping downloaded page", "url", entry.URL, "path", path)
				stats.Skipped++
				continue
			}
			tasks = append(tasks, task{url: entry.URL, path: path})
		}
	}

	if len(tasks) > 0 && f.config.FailedLog != "" {
		if err := os.MkdirAll(filepath.Dir(f.config.FailedLog), 0o755); err != nil {
			return stats, fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(f.config.FailedLog, nil, 0o644); err != nil {
			return stats, fmt.Errorf("failed to reset failure log: %w", err)
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.config.Concurrency)

	for _, t := range tasks {
		g.Go(func() error {
			if err := f.limiter.Wait(gctx); err != nil {
				return err
			}

			html, err := f.getter.Get(gctx, t.url)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slog.Warn("failed to download page", "url", t.url, "error", err)
				mu.Lock()
				stats.Failed++
				mu.Unlock()
				return f.recordFailure(t.url)
			}

			if err := writeFile(t.path, html); err != nil {
				return err
			}
			slog.Info("downloaded page", "url", t.url, "path", t.path)
			mu.Lock()
			stats.Fetched++
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	slog.Info("fetch finished",
		"fetched", stats.Fetched,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
	)
	return stats, err
}

// ScrapeCatalog fetches the index page at pageURL and extracts the catalog.
func ScrapeCatalog(ctx context.Context, getter Getter, pageURL string, departments []string) (ingestion.Catalog, error) {
	page, err := getter.Get(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog page: %w", err)
	}
	catalog, err := ingestion.ParseCatalogPage(strings.NewReader(page), pageURL, departments)
	if err != nil {
		return nil, err
	}
	slog.Info("scraped catalog", "departments", len(catalog), "courses", catalog.Len())
	return catalog, nil
}

func (f *Fetcher) recordFailure(url string) error {
	if f.config.FailedLog == "" {
		return nil
	}

	f.logMu.Lock()
	defer f.logMu.Unlock()

	file, err := os.OpenFile(f.config.FailedLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open failure log: %w", err)
	}
	defer file.Close()

	if _, err := fmt.Fprintln(file, url); err != nil {
		return fmt.Errorf("failed to append to failure log: %w", err)
	}
	return nil
}

func writeFile(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
