// Package metrics exposes prometheus counters for the SSDP protocol
// core. A single process-wide registry is shared by every advertiser
// and browser instance.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all SSDP metrics.
type Registry struct {
	// Inbound traffic
	MessagesReceived *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec

	// Outbound traffic
	NotificationsSent *prometheus.CounterVec
	SearchesSent      prometheus.Counter
	RepliesSent       prometheus.Counter
	SendErrors        prometheus.Counter

	// Event fan-out
	Events        *prometheus.CounterVec
	EventsDropped prometheus.Counter
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssdp_messages_received_total",
		Help: "Total inbound SSDP datagrams by message kind",
	}, []string{"kind"})

	r.DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssdp_decode_errors_total",
		Help: "Total inbound datagrams that failed to decode",
	}, []string{"kind"})

	r.NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssdp_notifications_sent_total",
		Help: "Total NOTIFY messages sent by NTS subtype",
	}, []string{"nts"})

	r.SearchesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssdp_searches_sent_total",
		Help: "Total M-SEARCH messages sent",
	})

	r.RepliesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssdp_replies_sent_total",
		Help: "Total unicast search replies sent",
	})

	r.SendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssdp_send_errors_total",
		Help: "Total per-destination send failures",
	})

	r.Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssdp_events_total",
		Help: "Total events published to subscribers by type",
	}, []string{"type"})

	r.EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssdp_events_dropped_total",
		Help: "Total events dropped because a subscriber channel was full",
	})

	return r
}
