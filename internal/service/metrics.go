package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Query pipeline stages.
const (
	stageEmbed    = "embed"
	stageRetrieve = "retrieve"
	stageRerank   = "rerank"
)

var (
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syllabus_queries_total",
			Help: "Total number of search queries by outcome",
		},
		[]string{"outcome"}, // ok, invalid, error
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syllabus_stage_duration_seconds",
			Help:    "Duration of query pipeline stages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	resultsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "syllabus_results_returned",
			Help:    "Number of courses returned per query",
			Buckets: prometheus.LinearBuckets(0, 5, 11),
		},
	)

	corpusChunks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syllabus_corpus_chunks",
			Help: "Number of chunks in the loaded corpus",
		},
	)
)

func observeStage(stage string, start time.Time) {
	stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func countQuery(err error) {
	switch {
	case err == nil:
		queriesTotal.WithLabelValues("ok").Inc()
	case IsInputError(err):
		queriesTotal.WithLabelValues("invalid").Inc()
	default:
		queriesTotal.WithLabelValues("error").Inc()
	}
}
