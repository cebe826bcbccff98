package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	SessionsOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_sessions_online",
			Help: "Number of authenticated live sessions.",
		},
		[]string{"service"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_auth_attempts_total",
			Help: "Signature verification attempts by result.",
		},
		[]string{"service", "result"},
	)

	MessagesRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_routed_total",
			Help: "Inbound messages by chat type and terminal outcome.",
		},
		[]string{"service", "chat_type", "outcome"},
	)

	MessagesCiphertextBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_messages_ciphertext_bytes",
			Help:    "Ciphertext sizes for stored messages.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		},
		[]string{"service", "chat_type"},
	)

	OfflineEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_offline_events_total",
			Help: "Offline queue operations by kind (appended, drained, requeued).",
		},
		[]string{"service", "op"},
	)

	GroupKeyProposalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_group_key_proposals_total",
			Help: "Group key proposals by result.",
		},
		[]string{"service", "result"},
	)

	AccountsPrunedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_accounts_pruned_total",
			Help: "Accounts deleted for inactivity.",
		},
		[]string{"service"},
	)
)

var service = "relay"

// MustRegister sets the service label and registers every vector with the
// default registry. Without it the vectors still record under the default
// label, which keeps tests free of global registration.
func MustRegister(serviceName string) {
	service = serviceName

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		SessionsOnline,
		AuthAttemptsTotal,
		MessagesRoutedTotal,
		MessagesCiphertextBytes,
		OfflineEventsTotal,
		GroupKeyProposalsTotal,
		AccountsPrunedTotal,
	)
}

func ObserveHTTP(method, path, status string, seconds float64) {
	HTTPRequestsTotal.WithLabelValues(service, method, path, status).Inc()
	HTTPRequestDurationSeconds.WithLabelValues(service, method, path).Observe(seconds)
}

func SessionOpened() { SessionsOnline.WithLabelValues(service).Inc() }

func SessionClosed() { SessionsOnline.WithLabelValues(service).Dec() }

func AuthAttempt(result string) { AuthAttemptsTotal.WithLabelValues(service, result).Inc() }

func MessageRouted(chatType, outcome string) {
	MessagesRoutedTotal.WithLabelValues(service, chatType, outcome).Inc()
}

func CiphertextSize(chatType string, n int) {
	MessagesCiphertextBytes.WithLabelValues(service, chatType).Observe(float64(n))
}

func OfflineEvents(op string, n int) {
	if n <= 0 {
		return
	}
	OfflineEventsTotal.WithLabelValues(service, op).Add(float64(n))
}

func GroupKeyProposal(result string) { GroupKeyProposalsTotal.WithLabelValues(service, result).Inc() }

func AccountsPruned(n int) {
	if n <= 0 {
		return
	}
	AccountsPrunedTotal.WithLabelValues(service).Add(float64(n))
}
