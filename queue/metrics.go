package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var itemsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "guestbook_queue_items_added_total",
	Help: "Total number of moderation messages enqueued",
}, []string{"queue", "queue_type"})

var itemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "guestbook_queue_items_processed_total",
	Help: "Total number of moderation messages handled successfully",
}, []string{"queue", "queue_type"})

var itemsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "guestbook_queue_items_failed_total",
	Help: "Total number of failed moderation message deliveries",
}, []string{"queue", "queue_type"})

var itemsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "guestbook_queue_items_retried_total",
	Help: "Total number of moderation messages scheduled for redelivery",
}, []string{"queue", "queue_type"})

var itemsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "guestbook_queue_items_dead_lettered_total",
	Help: "Total number of moderation messages moved to the dead-letter list",
}, []string{"queue", "queue_type"})

var workersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "guestbook_queue_workers_active",
	Help: "Number of queue workers currently running",
}, []string{"queue", "queue_type"})
