package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "syllabusctl",
		Usage: "offline tools for the syllabus search corpus",
		Commands: []*cli.Command{
			{
				Name:  "fetch",
				Usage: "download the department catalog and every syllabus page",
				Flags: []cli.Flag{
					envFlag(),
					&cli.BoolFlag{
						Name:  "browser",
						Usage: "render pages with headless Chrome instead of plain HTTP",
					},
					&cli.BoolFlag{
						Name:  "skip-catalog",
						Usage: "reuse the saved catalog instead of scraping it again",
					},
				},
				Action: fetchAction,
			},
			{
				Name:   "build",
				Usage:  "build the chunk list and vector index if missing or stale",
				Flags:  []cli.Flag{envFlag()},
				Action: buildAction,
			},
			{
				Name:  "summarize",
				Usage: "summarize every course with the OpenAI Batch API",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:  "output",
						Usage: "summary file path (defaults to SUMMARY_PATH)",
					},
				},
				Action: summarizeAction,
			},
			{
				Name:      "search",
				Usage:     "run the queries of an experiment file",
				ArgsUsage: "<experiment.yaml>",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:  "output-dir",
						Usage: "override the experiment's output directory",
					},
				},
				Action: searchAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "environment file path",
		Value: ".env",
	}
}
