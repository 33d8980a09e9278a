package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry 是 modempeer 所有守护进程共用的指标注册表
var Registry = prometheus.NewRegistry()

var (
	// BusMessagesTotal 记录总线收发的消息数
	BusMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modempeer_bus_messages_total",
			Help: "Messages sent and received on the bus.",
		},
		[]string{"direction", "identity"}, // direction: sent/received/dropped
	)

	// BusRequestDuration 记录请求到应答的耗时
	BusRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modempeer_bus_request_duration_seconds",
			Help:    "Latency between a bus request and its reply.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command", "status"},
	)

	// DispatchTotal counts AT dispatches by transport and outcome.
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modempeer_at_dispatch_total",
			Help: "AT commands dispatched, by transport and outcome.",
		},
		[]string{"transport", "outcome"}, // outcome: ok/error/timeout/unparseable
	)

	MbimReinitTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modempeer_mbim_reinit_total",
			Help: "MBIM connection re-initialisations after repeated errors.",
		},
	)

	// FastbootActionsTotal counts executed bootloader actions by op and result.
	FastbootActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modempeer_fastboot_actions_total",
			Help: "Bootloader actions executed, by op and result.",
		},
		[]string{"op", "result"},
	)

	FastbootBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modempeer_fastboot_download_bytes_total",
			Help: "Payload bytes written to the bootloader.",
		},
	)

	// UpdateAttemptsTotal records update attempts by result (success/retry/escalated/refused).
	UpdateAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modempeer_update_attempts_total",
			Help: "Firmware update attempts, by result.",
		},
		[]string{"result"},
	)

	// UpdateState 当前升级状态，1 表示所处状态
	UpdateState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modempeer_update_state",
			Help: "Current orchestrator state (1 for the active state).",
		},
		[]string{"state"},
	)

	PersistedCounter = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modempeer_update_persisted_counter",
			Help: "Persisted retry and hardware reset counters.",
		},
		[]string{"name"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		BusMessagesTotal,
		BusRequestDuration,
		DispatchTotal,
		MbimReinitTotal,
		FastbootActionsTotal,
		FastbootBytesTotal,
		UpdateAttemptsTotal,
		UpdateState,
		PersistedCounter,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
