package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var notificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "guestbook_notifications_sent",
	Help: "Number of notifications sent, by channel and result",
}, []string{"channel", "result"})
