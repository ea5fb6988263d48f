package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(queueDepth, queueTasksTotal) }

var (
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "task_queue_depth",
			Help: "Run tasks waiting in the queue.",
		},
	)

	queueTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_queue_tasks_total",
			Help: "Run tasks by queue operation.",
		},
		[]string{"op"}, // enqueued|dequeued|redispatched|dropped
	)
)

func SetQueueDepth(n int64) { queueDepth.Set(float64(n)) }

func IncQueueTask(op string) {
	queueTasksTotal.WithLabelValues(norm(op)).Inc()
}
