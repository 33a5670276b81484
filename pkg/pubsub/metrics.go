package pubsub

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects pub/sub counters. A nil *Metrics is valid and records
// nothing, so components take it as an optional config field.
type Metrics struct {
	publishAttempts prometheus.Counter
	publishFailures prometheus.Counter
	subscribers     prometheus.Gauge
	destinations    prometheus.Gauge
	messagesSent    prometheus.Counter
	messagesDropped prometheus.Counter
	sendFailures    prometheus.Counter
	statesReceived  prometheus.Counter
}

// NewMetrics creates the pub/sub metrics and registers them with reg when
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		publishAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "pubsub",
			Name:      "publish_attempts_total",
			Help:      "Registration attempts made by data publishers.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "pubsub",
			Name:      "publish_failures_total",
			Help:      "Registration attempts rejected or later reported as conflicts.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "pubsub",
			Name:      "subscribers",
			Help:      "Subscribers currently known to data publishers.",
		}),
		destinations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "pubsub",
			Name:      "state_destinations",
			Help:      "State collectors a state emitter sends to.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "pubsub",
			Name:      "messages_sent_total",
			Help:      "Data messages handed to the network.",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "pubsub",
			Name:      "messages_dropped_total",
			Help:      "Data messages discarded because nobody was listening.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "pubsub",
			Name:      "send_failures_total",
			Help:      "Failed data and state sends.",
		}),
		statesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "pubsub",
			Name:      "states_received_total",
			Help:      "State blobs decoded by state collectors.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.publishAttempts,
			m.publishFailures,
			m.subscribers,
			m.destinations,
			m.messagesSent,
			m.messagesDropped,
			m.sendFailures,
			m.statesReceived,
		)
	}
	return m
}

func (m *Metrics) publishAttempt() {
	if m != nil {
		m.publishAttempts.Inc()
	}
}

func (m *Metrics) publishFailure() {
	if m != nil {
		m.publishFailures.Inc()
	}
}

func (m *Metrics) setSubscribers(n int) {
	if m != nil {
		m.subscribers.Set(float64(n))
	}
}

func (m *Metrics) setDestinations(n int) {
	if m != nil {
		m.destinations.Set(float64(n))
	}
}

func (m *Metrics) sent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.messagesDropped.Inc()
	}
}

func (m *Metrics) sendFailure() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) stateReceived() {
	if m != nil {
		m.statesReceived.Inc()
	}
}
