// Package metrics holds the process-wide Prometheus collectors. They are
// registered on the default registry and exposed by the HTTP router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InboundActivities counts verified inbound activities by type.
	InboundActivities = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tonearm",
		Subsystem: "federation",
		Name:      "inbound_activities_total",
		Help:      "Inbound activities accepted after signature verification, by type.",
	}, []string{"type"})

	// RejectedRequests counts inbound requests refused before dispatch.
	RejectedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tonearm",
		Subsystem: "federation",
		Name:      "rejected_requests_total",
		Help:      "Inbound federation requests rejected, by reason.",
	}, []string{"reason"})

	// Deliveries counts outbound delivery attempts by outcome.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tonearm",
		Subsystem: "federation",
		Name:      "deliveries_total",
		Help:      "Outbound delivery attempts, by outcome.",
	}, []string{"outcome"})

	// DeliveryQueueDepth gauges pending inbox items.
	DeliveryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tonearm",
		Subsystem: "federation",
		Name:      "delivery_queue_depth",
		Help:      "Inbox items currently pending delivery.",
	})

	// CrawlPages counts fetched library collection pages.
	CrawlPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tonearm",
		Subsystem: "federation",
		Name:      "crawl_pages_total",
		Help:      "Remote library collection pages fetched, by result.",
	}, []string{"result"})

	// CrawlUploads counts uploads imported from remote libraries.
	CrawlUploads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tonearm",
		Subsystem: "federation",
		Name:      "crawl_uploads_total",
		Help:      "Remote uploads imported by the library crawler.",
	})
)
