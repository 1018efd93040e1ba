package ingestion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ArticlesIndexed counts articles written to the vector index.
	ArticlesIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "newsrag",
		Subsystem: "ingestion",
		Name:      "articles_indexed_total",
		Help:      "Total number of articles written to the vector index",
	})

	// Runs counts ingestion passes by result.
	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "newsrag",
		Subsystem: "ingestion",
		Name:      "runs_total",
		Help:      "Total number of ingestion passes",
	}, []string{"result"})
)
