package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("moderation")

var messagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_messages_handled",
	Help: "Number of moderation message deliveries, by outcome",
}, []string{"outcome"})

var messageDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "moderation_message_duration_sec",
	Help: "Duration of moderation message handling",
})

var transitionsFired = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_transitions",
	Help: "Number of persisted state machine transitions",
}, []string{"transition"})

var spamScores = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_spam_scores",
	Help: "Spam scores returned by the scorer",
}, []string{"score"})

var sideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_side_effect_failures",
	Help: "Number of non-fatal side effect failures (notifications, image optimization, email)",
}, []string{"kind"})

var saveConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "moderation_save_conflicts",
	Help: "Number of optimistic concurrency conflicts when persisting comments",
})

var redriven = promauto.NewCounter(prometheus.CounterOpts{
	Name: "moderation_redriven_comments",
	Help: "Number of unsettled comments re-enqueued by a redrive",
})
