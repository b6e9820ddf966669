// errors.go - Delivery errors.
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

package delivery

import (
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/tunnelbroker/envelope"
)

var (
	// ErrUnknownRecipient is the error returned when the recipient of an
	// envelope is not registered.
	ErrUnknownRecipient = errors.New("delivery: unknown recipient")

	// ErrUnknownSender is the error returned when the sender of an
	// envelope is not registered.
	ErrUnknownSender = errors.New("delivery: unknown sender")

	// ErrMalformedEnvelope is the error returned for invalid envelopes.
	ErrMalformedEnvelope = envelope.ErrMalformedEnvelope

	// ErrTicketMismatch is the error returned when a ticket is
	// acknowledged on behalf of a device other than its recipient.
	ErrTicketMismatch = errors.New("delivery: ticket recipient mismatch")

	// ErrQueueFull is the error returned when the recipient's queue is at
	// capacity.
	ErrQueueFull = errors.New("delivery: queue full")

	// ErrDeliveryFailed is matched by every DeliveryFailedError.
	ErrDeliveryFailed = errors.New("delivery: delivery failed")

	// ErrRecipientUnreachable is matched by every
	// RecipientUnreachableError.
	ErrRecipientUnreachable = errors.New("delivery: recipient unreachable")
)

// DeliveryFailedError is reported to the sender when an envelope could not
// be delivered to its recipient's session.
type DeliveryFailedError struct {
	Ticket   Ticket
	Envelope *envelope.Envelope
	Attempts int
	Err      error
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("delivery: delivery of %v to %v failed after %d attempts: %v", e.Ticket.ID, e.Ticket.Recipient, e.Attempts, e.Err)
}

// Is matches ErrDeliveryFailed.
func (e *DeliveryFailedError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

func (e *DeliveryFailedError) Unwrap() error {
	return e.Err
}

// RecipientUnreachableError is reported to the sender when an envelope
// expired while its recipient had no Active session.
type RecipientUnreachableError struct {
	Ticket     Ticket
	Envelope   *envelope.Envelope
	EnqueuedAt time.Time
}

func (e *RecipientUnreachableError) Error() string {
	return fmt.Sprintf("delivery: %v unreachable, %v expired (enqueued %v)", e.Ticket.Recipient, e.Ticket.ID, e.EnqueuedAt)
}

// Is matches ErrRecipientUnreachable.
func (e *RecipientUnreachableError) Is(target error) bool {
	return target == ErrRecipientUnreachable
}
