package spamcheck

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var akismetRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "spamcheck_akismet_requests",
	Help: "Number of Akismet comment-check requests, by resulting score (or error)",
}, []string{"result"})

var akismetDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "spamcheck_akismet_duration_sec",
	Help: "Duration of Akismet comment-check requests",
})

var scoreCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "spamcheck_score_cache_hits",
	Help: "Number of spam scores served from cache",
})
