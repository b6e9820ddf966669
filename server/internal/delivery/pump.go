// pump.go - Push delivery and expiry.
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
	"context"
	"errors"

	"github.com/katzenpost/tunnelbroker/core/retry"
	"github.com/katzenpost/tunnelbroker/envelope"
	"github.com/katzenpost/tunnelbroker/server/internal/instrument"
	"github.com/katzenpost/tunnelbroker/server/internal/session"
	"github.com/katzenpost/tunnelbroker/wire"
)

// Attach starts pushing the queued envelopes of the session's device over
// the session, in FIFO order, until the session is closed.
func (q *Queue) Attach(s *session.Session) {
	if s.State() != session.Active {
		return
	}
	q.Go(func() {
		q.pump(s)
	})
}

func (q *Queue) pump(s *session.Session) {
	d := q.dest(s.Device().DeviceID)
	q.log.Debugf("Pump for %v started on session %v.", s.Device().DeviceID, s.ID())
	defer q.log.Debugf("Pump for %v stopped on session %v.", s.Device().DeviceID, s.ID())

	for {
		it, ch := d.next(s.ID())
		if it == nil {
			select {
			case <-ch:
				continue
			case <-s.Done():
				return
			case <-q.HaltCh():
				return
			}
		}
		if !q.deliver(s, d, it) {
			return
		}
	}
}

// deliver pushes it over s, retrying transient failures.  It returns false
// once the session can no longer be used.
func (q *Queue) deliver(s *session.Session, d *destQueue, it *item) bool {
	frame, err := wire.Encode(&wire.MessageToDevice{
		MessageID: it.ticket.ID,
		Envelope:  it.raw,
	})
	if err != nil {
		q.fail(it, 0, err)
		return true
	}

	d.sendLock.Lock()
	defer d.sendLock.Unlock()

	ctx, cancel := q.HaltContext(context.Background())
	defer cancel()

	for {
		if d.find(it.ticket.ID) == nil {
			// Acknowledged or dropped while waiting.
			return true
		}

		err := s.Send(ctx, frame)
		if err == nil {
			d.Lock()
			it.deliveredTo = s.ID()
			d.Unlock()
			instrument.EnvelopeDelivered()
			return true
		}
		if errors.Is(err, session.ErrSessionClosed) || ctx.Err() != nil {
			q.log.Debugf("Push of %v interrupted: %v", it.ticket.ID, err)
			return false
		}

		d.Lock()
		it.attempts++
		attempts := it.attempts
		d.Unlock()

		if !retry.IsTransientError(err) || q.cfg.Retry.Exhausted(attempts) {
			q.fail(it, attempts, err)
			return true
		}

		instrument.DeliveryRetried()
		delay := q.cfg.Retry.Delay(attempts - 1)
		q.log.Debugf("Push of %v failed (attempt %d), retrying in %v: %v", it.ticket.ID, attempts, delay, err)
		select {
		case <-q.clock.After(delay):
		case <-s.Done():
			return false
		case <-q.HaltCh():
			return false
		}
	}
}

func (q *Queue) fail(it *item, attempts int, err error) {
	if q.remove(it.ticket) == nil {
		return
	}
	if err := q.unspool(it); err != nil {
		q.log.Errorf("Failed to remove %v from spool: %v", it.ticket.ID, err)
	}
	instrument.EnvelopeDropped("failed")
	q.log.Warningf("Delivery of %v to %v failed: %v", it.ticket.ID, it.ticket.Recipient, err)
	q.cfg.Notifier(&DeliveryFailedError{
		Ticket:   it.ticket,
		Envelope: it.env,
		Attempts: attempts,
		Err:      err,
	})
}

func (q *Queue) expiryWorker() {
	t := q.clock.Ticker(q.cfg.ExpiryInterval)
	defer t.Stop()

	for {
		select {
		case <-q.HaltCh():
			q.log.Debugf("Terminating gracefully.")
			return
		case <-t.C:
		}
		q.expire()
	}
}

// expire discards the envelopes whose deadline passed while their
// recipient had no Active session.  Envelopes of reachable recipients get
// a new deadline.
func (q *Queue) expire() {
	now := q.clock.Now()
	deadline := uint64(now.UnixNano())

	var expired []*item
	q.Lock()
	for {
		e := q.expiry.Peek()
		if e == nil || e.Priority > deadline {
			break
		}
		q.expiry.Dequeue()

		t := e.Value
		if _, ok := q.tickets[t.ID]; !ok {
			continue
		}
		if _, ok := q.dir.Lookup(t.Recipient); ok {
			q.expiry.Enqueue(uint64(now.Add(q.cfg.Expiry).UnixNano()), t)
			continue
		}
		if it := q.removeLocked(t); it != nil {
			expired = append(expired, it)
		}
	}
	q.Unlock()

	for _, it := range expired {
		if err := q.unspool(it); err != nil {
			q.log.Errorf("Failed to remove %v from spool: %v", it.ticket.ID, err)
		}
		instrument.EnvelopeDropped("expired")
		q.log.Noticef("Envelope %v to %v expired.", it.ticket.ID, it.ticket.Recipient)
		q.cfg.Notifier(&RecipientUnreachableError{
			Ticket:     it.ticket,
			Envelope:   it.env,
			EnqueuedAt: it.enqueuedAt,
		})
	}
}

// notifySender sends a DeliveryNotice for a dropped envelope to the
// sender's Active session, if any.
func (q *Queue) notifySender(err error) {
	var (
		t      Ticket
		e      *envelope.Envelope
		status string

		dfErr *DeliveryFailedError
		ruErr *RecipientUnreachableError
	)
	switch {
	case errors.As(err, &dfErr):
		t, e, status = dfErr.Ticket, dfErr.Envelope, wire.StatusDeliveryFailed
	case errors.As(err, &ruErr):
		t, e, status = ruErr.Ticket, ruErr.Envelope, wire.StatusRecipientUnreachable
	default:
		return
	}

	s, ok := q.dir.Lookup(e.From.DeviceID)
	if !ok {
		q.log.Debugf("Sender %v of %v not connected, dropping notice.", e.From.DeviceID, t.ID)
		return
	}
	frame, fErr := wire.Encode(&wire.DeliveryNotice{
		MessageID: t.ID,
		Recipient: t.Recipient,
		Status:    status,
		Error:     err.Error(),
	})
	if fErr != nil {
		q.log.Errorf("Failed to encode notice for %v: %v", t.ID, fErr)
		return
	}
	q.Go(func() {
		ctx, cancel := q.HaltContext(context.Background())
		defer cancel()
		if err := s.Send(ctx, frame); err != nil {
			q.log.Debugf("Failed to send notice for %v: %v", t.ID, err)
		}
	})
}
