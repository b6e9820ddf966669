//go:build !noprometheus
// +build !noprometheus

// prometheus.go - Prometheus instrumentation.
// Copyright (C) 2026  Katzenpost Developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package instrument exports relay metrics to prometheus.
package instrument

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"
)

var (
	incomingFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelbroker_incoming_frames_total",
			Help: "Number of frames received from devices",
		},
		[]string{"type"},
	)
	sessionsEstablished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnelbroker_sessions_established_total",
			Help: "Number of sessions that became active",
		},
	)
	sessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelbroker_sessions_closed_total",
			Help: "Number of sessions closed, by reason",
		},
		[]string{"reason"},
	)
	authenticationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnelbroker_authentication_failures_total",
			Help: "Number of rejected session initializations",
		},
	)
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnelbroker_active_sessions",
			Help: "Number of currently active sessions",
		},
	)
	envelopesEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnelbroker_envelopes_enqueued_total",
			Help: "Number of envelopes accepted for delivery",
		},
	)
	envelopesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnelbroker_envelopes_delivered_total",
			Help: "Number of envelopes written to a recipient session",
		},
	)
	envelopesAcknowledged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnelbroker_envelopes_acknowledged_total",
			Help: "Number of envelopes acknowledged by recipients",
		},
	)
	deliveryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnelbroker_delivery_retries_total",
			Help: "Number of delivery attempts that were retried",
		},
	)
	envelopesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelbroker_envelopes_dropped_total",
			Help: "Number of envelopes discarded without acknowledgement, by reason",
		},
		[]string{"reason"},
	)
	queuedEnvelopes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnelbroker_queued_envelopes",
			Help: "Number of envelopes currently queued",
		},
	)
	verifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tunnelbroker_verify_duration_seconds",
			Help:    "Time spent verifying session signatures",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
	)
)

// StartPrometheusListener starts the prometheus metrics HTTP listener on
// addr, and returns the server so that it can be shut down.
func StartPrometheusListener(addr string, log *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Metrics listener failed: %v", err)
		}
	}()
	return srv
}

// Incoming increments the counter for incoming frames.
func Incoming(frameType string) {
	incomingFrames.With(prometheus.Labels{"type": frameType}).Inc()
}

// SessionEstablished records a session becoming active.
func SessionEstablished() {
	sessionsEstablished.Inc()
	activeSessions.Inc()
}

// SessionClosed records an active session being closed.
func SessionClosed(reason string) {
	sessionsClosed.With(prometheus.Labels{"reason": reason}).Inc()
	activeSessions.Dec()
}

// AuthenticationFailed increments the counter for rejected sessions.
func AuthenticationFailed() {
	authenticationFailures.Inc()
}

// ObserveVerify records the duration of a signature verification.
func ObserveVerify(d time.Duration) {
	verifyDuration.Observe(d.Seconds())
}

// EnvelopeEnqueued records an envelope entering the queue.
func EnvelopeEnqueued() {
	envelopesEnqueued.Inc()
	queuedEnvelopes.Inc()
}

// EnvelopeDelivered records an envelope being written to a session.
func EnvelopeDelivered() {
	envelopesDelivered.Inc()
}

// EnvelopeAcknowledged records an envelope leaving the queue on
// acknowledgement.
func EnvelopeAcknowledged() {
	envelopesAcknowledged.Inc()
	queuedEnvelopes.Dec()
}

// DeliveryRetried increments the counter for retried deliveries.
func DeliveryRetried() {
	deliveryRetries.Inc()
}

// EnvelopeDropped records an envelope leaving the queue unacknowledged.
func EnvelopeDropped(reason string) {
	envelopesDropped.With(prometheus.Labels{"reason": reason}).Inc()
	queuedEnvelopes.Dec()
}

// EnvelopesLoaded records envelopes restored from the spool.
func EnvelopesLoaded(n int) {
	queuedEnvelopes.Add(float64(n))
}
