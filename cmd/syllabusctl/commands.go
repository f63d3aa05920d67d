package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/knoguchi/syllabus/internal/config"
	"github.com/knoguchi/syllabus/internal/corpus"
	"github.com/knoguchi/syllabus/internal/experiment"
	"github.com/knoguchi/syllabus/internal/fetch"
	"github.com/knoguchi/syllabus/internal/ingestion"
	"github.com/knoguchi/syllabus/internal/service"
	"github.com/knoguchi/syllabus/internal/summarize"
)

// loadConfig reads the env file named by --env and installs the logger.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.LoadFrom(cmd.String("env"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(cfg.NewLogger(os.Stderr))
	return cfg, nil
}

func fetchAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var getter fetch.Getter
	if cmd.Bool("browser") || cfg.FetchBrowser {
		bg, err := fetch.NewBrowserGetter(ctx, cfg.FetchTimeout)
		if err != nil {
			return err
		}
		defer bg.Close()
		getter = bg
	} else {
		getter = fetch.NewHTTPGetter(cfg.FetchTimeout)
	}

	var catalog ingestion.Catalog
	if cmd.Bool("skip-catalog") {
		catalog, err = ingestion.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return err
		}
	} else {
		catalog, err = fetch.ScrapeCatalog(ctx, getter, cfg.CatalogURL, cfg.Departments)
		if err != nil {
			return err
		}
		if err := ingestion.SaveCatalog(cfg.CatalogPath, catalog); err != nil {
			return err
		}
		slog.Info("saved catalog",
			"path", cfg.CatalogPath,
			"departments", len(catalog.Departments()),
			"courses", catalog.Len(),
		)
	}

	fetcher := fetch.NewFetcher(getter, fetch.Config{
		Concurrency: cfg.FetchConcurrency,
		Interval:    cfg.FetchInterval,
		FailedLog:   cfg.FailedURLPath,
	})
	stats, err := fetcher.FetchAll(ctx, catalog, cfg.RawHTMLDir)
	if err != nil {
		return err
	}

	fmt.Printf("fetched %d, skipped %d, failed %d\n", stats.Fetched, stats.Skipped, stats.Failed)
	if stats.Failed > 0 {
		fmt.Printf("failed URLs are listed in %s\n", cfg.FailedURLPath)
	}
	return nil
}

func buildAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	_, passages, err := service.Embedders(cfg)
	if err != nil {
		return err
	}
	pipeline, err := service.NewPipeline(cfg)
	if err != nil {
		return err
	}

	store, index, err := service.NewIndexService(service.IndexConfigFrom(cfg), pipeline, passages).LoadOrBuild(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%d chunks from %d courses, %d-dimensional index at %s\n",
		store.Len(), len(store.CourseOrder()), index.Dimension(), cfg.IndexPath())
	return nil
}

func summarizeAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	output := cmd.String("output")
	if output == "" {
		output = cfg.SummaryPath
	}
	if output == "" {
		return errors.New("no summary path: set SUMMARY_PATH or pass --output")
	}

	_, passages, err := service.Embedders(cfg)
	if err != nil {
		return err
	}
	pipeline, err := service.NewPipeline(cfg)
	if err != nil {
		return err
	}
	// Summaries are produced from the chunk list, so the index is not needed.
	indexCfg := service.IndexConfigFrom(cfg)
	indexCfg.SummaryPath = ""
	store, err := service.NewIndexService(indexCfg, pipeline, passages).LoadOrBuildChunks(ctx)
	if err != nil {
		return err
	}

	client, err := summarize.NewOpenAIBatchClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	if err != nil {
		return err
	}
	summarizer := summarize.New(client, cfg.SummaryModel,
		summarize.WithBatchSize(cfg.SummaryBatchSize),
		summarize.WithWait(summarize.WaitConfig{Interval: cfg.SummaryPollInterval}),
	)

	summaries, err := summarizer.Summarize(ctx, store)
	if err != nil {
		return err
	}
	if err := corpus.SaveSummaries(output, summaries); err != nil {
		return err
	}

	fmt.Printf("wrote %d course summaries to %s\n", len(summaries), output)
	return nil
}

func searchAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return errors.New("usage: syllabusctl search <experiment.yaml>")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	exp, err := experiment.Load(cmd.Args().First())
	if err != nil {
		return err
	}
	if dir := cmd.String("output-dir"); dir != "" {
		exp.OutputDir = dir
	}

	svc, cleanup, err := service.Open(ctx, cfg)
	defer cleanup()
	if err != nil {
		return err
	}

	run, err := experiment.Execute(ctx, exp, svc)
	if err != nil {
		return err
	}

	renderResultsTable(run.Results)
	fmt.Printf("run %s written to %s\n", run.ID, run.Dir)
	return nil
}

// renderResultsTable prints the top results of every query.
func renderResultsTable(results []*service.Result) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Query", "Rank", "Course", "Distance", "Score")

	for _, res := range results {
		for i, item := range res.Results {
			table.Append(
				res.Query,
				strconv.Itoa(i+1),
				item.Metadata[corpus.KeyCourseTitle],
				strconv.FormatFloat(float64(item.Distance), 'f', 4, 32),
				strconv.FormatFloat(float64(item.Score), 'g', -1, 32),
			)
		}
	}

	table.Render()
}
