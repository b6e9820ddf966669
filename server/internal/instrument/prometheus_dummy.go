//go:build noprometheus
// +build noprometheus

// prometheus_dummy.go - Disabled instrumentation.
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

package instrument

import (
	"net/http"
	"time"

	"gopkg.in/op/go-logging.v1"
)

// StartPrometheusListener does nothing
func StartPrometheusListener(addr string, log *logging.Logger) *http.Server {
	log.Notice("Prometheus support is not compiled in")
	return nil
}

// Incoming does nothing
func Incoming(frameType string) {}

// SessionEstablished does nothing
func SessionEstablished() {}

// SessionClosed does nothing
func SessionClosed(reason string) {}

// AuthenticationFailed does nothing
func AuthenticationFailed() {}

// ObserveVerify does nothing
func ObserveVerify(d time.Duration) {}

// EnvelopeEnqueued does nothing
func EnvelopeEnqueued() {}

// EnvelopeDelivered does nothing
func EnvelopeDelivered() {}

// EnvelopeAcknowledged does nothing
func EnvelopeAcknowledged() {}

// DeliveryRetried does nothing
func DeliveryRetried() {}

// EnvelopeDropped does nothing
func EnvelopeDropped(reason string) {}

// EnvelopesLoaded does nothing
func EnvelopesLoaded(n int) {}
