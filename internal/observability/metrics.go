package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	laneQueueSize    *prometheus.GaugeVec
	laneEnqueueTotal *prometheus.CounterVec
	laneTaskTotal    *prometheus.CounterVec
	laneTaskDuration *prometheus.HistogramVec
	lanesActive      prometheus.Gauge
	lanesReapedTotal prometheus.Counter
	eventsDropped    *prometheus.CounterVec

	workerMessagesTotal    *prometheus.CounterVec
	workerDroppedTotal     *prometheus.CounterVec
	workerCallDuration     *prometheus.HistogramVec
	workerCallTotal        *prometheus.CounterVec
	workerTerminationTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			laneQueueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "banyu",
					Name:      "lane_queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			laneEnqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "banyu",
					Name:      "lane_enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			laneTaskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "banyu",
					Name:      "lane_task_total",
					Help:      "Total completed lane tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			laneTaskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "banyu",
					Name:      "lane_task_duration_seconds",
					Help:      "Lane task execution duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			lanesActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "banyu",
					Name:      "lanes_active",
					Help:      "Current number of live session lanes.",
				},
			),
			lanesReapedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: "banyu",
					Name:      "lanes_reaped_total",
					Help:      "Total idle lanes removed by the cleanup sweep.",
				},
			),
			eventsDropped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "banyu",
					Name:      "events_dropped_total",
					Help:      "Total events dropped from bounded event channels by source.",
				},
				[]string{"source"},
			),
			workerMessagesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "banyu",
					Name:      "worker_messages_total",
					Help:      "Total inbound worker messages by plugin and type.",
				},
				[]string{"plugin", "type"},
			),
			workerDroppedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "banyu",
					Name:      "worker_messages_dropped_total",
					Help:      "Total inbound worker messages dropped by plugin and reason.",
				},
				[]string{"plugin", "reason"},
			),
			workerCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "banyu",
					Name:      "worker_call_duration_seconds",
					Help:      "Worker call round-trip duration in seconds by plugin.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"plugin"},
			),
			workerCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "banyu",
					Name:      "worker_call_total",
					Help:      "Total worker calls by plugin and status.",
				},
				[]string{"plugin", "status"},
			),
			workerTerminationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "banyu",
					Name:      "worker_termination_total",
					Help:      "Total worker terminations by plugin and cause.",
				},
				[]string{"plugin", "cause"},
			),
		}

		prometheus.MustRegister(
			m.laneQueueSize,
			m.laneEnqueueTotal,
			m.laneTaskTotal,
			m.laneTaskDuration,
			m.lanesActive,
			m.lanesReapedTotal,
			m.eventsDropped,
			m.workerMessagesTotal,
			m.workerDroppedTotal,
			m.workerCallDuration,
			m.workerCallTotal,
			m.workerTerminationTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordLaneEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.laneEnqueueTotal.WithLabelValues(lane).Inc()
	m.laneQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetLaneQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.laneQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordLaneTask(lane string, duration time.Duration, status string, queueSize int) {
	m := getMetrics()
	m.laneTaskTotal.WithLabelValues(lane, status).Inc()
	m.laneTaskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.laneQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetActiveLanes(count int) {
	m := getMetrics()
	m.lanesActive.Set(float64(count))
}

func RecordLaneReaped() {
	getMetrics().lanesReapedTotal.Inc()
}

func RecordEventDropped(source string) {
	getMetrics().eventsDropped.WithLabelValues(source).Inc()
}

func RecordWorkerMessage(plugin, msgType string) {
	getMetrics().workerMessagesTotal.WithLabelValues(plugin, msgType).Inc()
}

func RecordWorkerMessageDropped(plugin, reason string) {
	getMetrics().workerDroppedTotal.WithLabelValues(plugin, reason).Inc()
}

func RecordWorkerCall(plugin string, duration time.Duration, status string) {
	m := getMetrics()
	m.workerCallTotal.WithLabelValues(plugin, status).Inc()
	m.workerCallDuration.WithLabelValues(plugin).Observe(duration.Seconds())
}

func RecordWorkerTermination(plugin, cause string) {
	getMetrics().workerTerminationTotal.WithLabelValues(plugin, cause).Inc()
}
