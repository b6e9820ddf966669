// queue.go - Delivery queue.
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

// Package delivery implements the per destination envelope queue, push
// delivery over sessions, pull draining, and expiry.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/tunnelbroker/core/log"
	"github.com/katzenpost/tunnelbroker/core/queue"
	"github.com/katzenpost/tunnelbroker/core/retry"
	"github.com/katzenpost/tunnelbroker/core/worker"
	"github.com/katzenpost/tunnelbroker/envelope"
	"github.com/katzenpost/tunnelbroker/server/internal/instrument"
	"github.com/katzenpost/tunnelbroker/server/internal/session"
	"github.com/katzenpost/tunnelbroker/server/spool"
)

const (
	defaultExpiry         = 7 * 24 * time.Hour
	defaultExpiryInterval = time.Minute
	defaultDrainTimeout   = 30 * time.Second
	defaultDedupCacheSize = 4096
)

// Ticket identifies a queued envelope.
type Ticket struct {
	ID        string
	Recipient string
}

// Notifier is called with a *DeliveryFailedError or a
// *RecipientUnreachableError whenever an envelope is dropped.
type Notifier func(err error)

// Config is the Queue configuration.
type Config struct {
	// Directory is the session directory used to validate senders and
	// recipients, and to find recipient sessions.
	Directory *session.Directory

	// Spool, if set, makes the queue durable.
	Spool spool.Spool

	// Clock is the time source, the wall clock if nil.
	Clock clock.Clock

	// Retry is the push delivery retry policy.
	Retry retry.Policy

	// Expiry is how long an envelope may wait for its recipient.
	Expiry time.Duration

	// ExpiryInterval is the expiry sweep period.
	ExpiryInterval time.Duration

	// DrainTimeout bounds how long Drain waits for an envelope.
	DrainTimeout time.Duration

	// DedupCacheSize is the number of recent client message IDs
	// remembered.
	DedupCacheSize int

	// MaxQueueLength bounds each destination queue, 0 for unbounded.
	MaxQueueLength int

	// Notifier is called when an envelope is dropped.  The default
	// sends a DeliveryNotice to the sender's Active session.
	Notifier Notifier

	// LogBackend is the logging backend.
	LogBackend *log.Backend
}

type item struct {
	ticket          Ticket
	env             *envelope.Envelope
	raw             []byte
	clientMessageID string
	enqueuedAt      time.Time
	seq             uint64

	attempts    int
	deliveredTo string
}

type destQueue struct {
	sync.Mutex

	items  []*item
	notify chan struct{}

	// sendLock serializes pushes to the destination across pumps.
	sendLock sync.Mutex
}

func newDestQueue() *destQueue {
	return &destQueue{notify: make(chan struct{})}
}

func (d *destQueue) push(it *item) {
	d.Lock()
	defer d.Unlock()
	d.items = append(d.items, it)
	close(d.notify)
	d.notify = make(chan struct{})
}

func (d *destQueue) remove(id string) *item {
	d.Lock()
	defer d.Unlock()
	for i, it := range d.items {
		if it.ticket.ID == id {
			d.items = append(d.items[:i], d.items[i+1:]...)
			return it
		}
	}
	return nil
}

func (d *destQueue) clear() []*item {
	d.Lock()
	defer d.Unlock()
	items := d.items
	d.items = nil
	return items
}

func (d *destQueue) find(id string) *item {
	d.Lock()
	defer d.Unlock()
	for _, it := range d.items {
		if it.ticket.ID == id {
			return it
		}
	}
	return nil
}

func (d *destQueue) len() int {
	d.Lock()
	defer d.Unlock()
	return len(d.items)
}

// wait returns the channel closed on the next push, and the current
// length.
func (d *destQueue) wait() (<-chan struct{}, int) {
	d.Lock()
	defer d.Unlock()
	return d.notify, len(d.items)
}

func (d *destQueue) snapshot() []*item {
	d.Lock()
	defer d.Unlock()
	return append([]*item{}, d.items...)
}

// next returns the oldest item not yet delivered over sessionID.
func (d *destQueue) next(sessionID string) (*item, <-chan struct{}) {
	d.Lock()
	defer d.Unlock()
	for _, it := range d.items {
		if it.deliveredTo != sessionID {
			return it, nil
		}
	}
	return nil, d.notify
}

type dedupKey struct {
	sender string
	id     string
}

// Queue holds envelopes until their recipient acknowledges them.
type Queue struct {
	worker.Worker
	sync.Mutex

	log   *logging.Logger
	cfg   Config
	dir   *session.Directory
	clock clock.Clock

	dests   map[string]*destQueue
	tickets map[string]string
	expiry  *queue.PriorityQueue[Ticket]
	dedup   *lru.Cache[dedupKey, Ticket]

	haltOnce sync.Once
}

// New returns a new Queue, reloading the spool if one is configured, and
// starts the expiry worker.
func New(cfg *Config) (*Queue, error) {
	if cfg.Directory == nil {
		return nil, errors.New("delivery: no directory")
	}
	if cfg.LogBackend == nil {
		return nil, errors.New("delivery: no log backend")
	}

	q := &Queue{
		log:     cfg.LogBackend.GetLogger("delivery"),
		cfg:     *cfg,
		dir:     cfg.Directory,
		clock:   cfg.Clock,
		dests:   make(map[string]*destQueue),
		tickets: make(map[string]string),
		expiry:  queue.New[Ticket](),
	}
	if q.clock == nil {
		q.clock = clock.New()
	}
	if q.cfg.Retry.MaxAttempts <= 0 {
		q.cfg.Retry = retry.DefaultPolicy()
	}
	if q.cfg.Expiry <= 0 {
		q.cfg.Expiry = defaultExpiry
	}
	if q.cfg.ExpiryInterval <= 0 {
		q.cfg.ExpiryInterval = defaultExpiryInterval
	}
	if q.cfg.DrainTimeout <= 0 {
		q.cfg.DrainTimeout = defaultDrainTimeout
	}
	if q.cfg.DedupCacheSize <= 0 {
		q.cfg.DedupCacheSize = defaultDedupCacheSize
	}
	if q.cfg.Notifier == nil {
		q.cfg.Notifier = q.notifySender
	}

	var err error
	if q.dedup, err = lru.New[dedupKey, Ticket](q.cfg.DedupCacheSize); err != nil {
		return nil, err
	}
	if err = q.load(); err != nil {
		return nil, err
	}

	q.Go(q.expiryWorker)
	return q, nil
}

func (q *Queue) load() error {
	if q.cfg.Spool == nil {
		return nil
	}
	if err := q.cfg.Spool.Vacuum(q.dir.IsRegistered); err != nil {
		return err
	}

	type corrupt struct {
		recipient string
		seq       uint64
	}
	var bad []corrupt
	n := 0
	err := q.cfg.Spool.Load(func(seq uint64, r *spool.Record) error {
		e, err := envelope.Decode(r.Envelope)
		if err != nil || e.To.DeviceID != r.Recipient {
			q.log.Warningf("Discarding corrupted spool entry %v/%v: %v", r.Recipient, seq, err)
			bad = append(bad, corrupt{r.Recipient, seq})
			return nil
		}
		q.insert(&item{
			ticket:          Ticket{ID: r.Ticket, Recipient: r.Recipient},
			env:             e,
			raw:             r.Envelope,
			clientMessageID: r.ClientMessageID,
			enqueuedAt:      r.EnqueuedAt,
			seq:             seq,
		})
		n++
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range bad {
		if err := q.cfg.Spool.Remove(c.recipient, c.seq); err != nil {
			return err
		}
	}

	instrument.EnvelopesLoaded(n)
	q.log.Noticef("Loaded %d queued envelopes.", n)
	return nil
}

// insert adds it to the queue indexes.  The caller must hold the queue
// lock, or be the constructor.
func (q *Queue) insert(it *item) {
	d, ok := q.dests[it.ticket.Recipient]
	if !ok {
		d = newDestQueue()
		q.dests[it.ticket.Recipient] = d
	}
	q.tickets[it.ticket.ID] = it.ticket.Recipient
	q.expiry.Enqueue(uint64(it.enqueuedAt.Add(q.cfg.Expiry).UnixNano()), it.ticket)
	if it.clientMessageID != "" {
		q.dedup.Add(dedupKey{it.env.From.DeviceID, it.clientMessageID}, it.ticket)
	}
	d.push(it)
}

// Enqueue queues an envelope for delivery to its recipient.
func (q *Queue) Enqueue(e *envelope.Envelope) (Ticket, error) {
	return q.EnqueueMessage("", e)
}

// EnqueueMessage queues an envelope for delivery to its recipient.  A
// non-empty clientMessageID that was recently enqueued by the same sender
// returns the original ticket instead of queueing a duplicate.
func (q *Queue) EnqueueMessage(clientMessageID string, e *envelope.Envelope) (Ticket, error) {
	if e == nil {
		return Ticket{}, fmt.Errorf("%w: nil envelope", ErrMalformedEnvelope)
	}
	if err := e.Validate(); err != nil {
		return Ticket{}, err
	}
	if id, ok := q.dir.Device(e.To.DeviceID); !ok || id != e.To {
		return Ticket{}, fmt.Errorf("%w: %v", ErrUnknownRecipient, e.To)
	}
	if id, ok := q.dir.Device(e.From.DeviceID); !ok || id != e.From {
		return Ticket{}, fmt.Errorf("%w: %v", ErrUnknownSender, e.From)
	}
	raw, err := envelope.Encode(e)
	if err != nil {
		return Ticket{}, err
	}

	q.Lock()
	defer q.Unlock()

	if clientMessageID != "" {
		if t, ok := q.dedup.Get(dedupKey{e.From.DeviceID, clientMessageID}); ok {
			q.log.Debugf("Duplicate message %v from %v, returning %v.", clientMessageID, e.From.DeviceID, t.ID)
			return t, nil
		}
	}
	if d, ok := q.dests[e.To.DeviceID]; ok && q.cfg.MaxQueueLength > 0 && d.len() >= q.cfg.MaxQueueLength {
		return Ticket{}, fmt.Errorf("%w: %v", ErrQueueFull, e.To.DeviceID)
	}

	it := &item{
		ticket:          Ticket{ID: uuid.NewString(), Recipient: e.To.DeviceID},
		env:             e,
		raw:             raw,
		clientMessageID: clientMessageID,
		enqueuedAt:      q.clock.Now().UTC(),
	}
	if q.cfg.Spool != nil {
		if it.seq, err = q.cfg.Spool.Store(&spool.Record{
			Ticket:          it.ticket.ID,
			Recipient:       it.ticket.Recipient,
			Sender:          e.From.DeviceID,
			ClientMessageID: clientMessageID,
			Envelope:        raw,
			EnqueuedAt:      it.enqueuedAt,
		}); err != nil {
			return Ticket{}, err
		}
	}
	q.insert(it)

	instrument.EnvelopeEnqueued()
	q.log.Debugf("Enqueued %v: %v -> %v (%d bytes)", it.ticket.ID, e.From.DeviceID, e.To.DeviceID, len(e.Payload))
	return it.ticket, nil
}

// Acknowledge removes the envelope from the queue.  Acknowledging an
// unknown ticket is a no-op.
func (q *Queue) Acknowledge(t Ticket) error {
	q.Lock()
	recipient, ok := q.tickets[t.ID]
	if !ok {
		q.Unlock()
		return nil
	}
	if recipient != t.Recipient {
		q.Unlock()
		return fmt.Errorf("%w: %v", ErrTicketMismatch, t.ID)
	}
	it := q.removeLocked(t)
	q.Unlock()

	if it == nil {
		return nil
	}
	instrument.EnvelopeAcknowledged()
	q.log.Debugf("Acknowledged %v.", t.ID)
	return q.unspool(it)
}

func (q *Queue) removeLocked(t Ticket) *item {
	delete(q.tickets, t.ID)
	d, ok := q.dests[t.Recipient]
	if !ok {
		return nil
	}
	return d.remove(t.ID)
}

func (q *Queue) remove(t Ticket) *item {
	q.Lock()
	defer q.Unlock()
	if _, ok := q.tickets[t.ID]; !ok {
		return nil
	}
	return q.removeLocked(t)
}

func (q *Queue) unspool(it *item) error {
	if q.cfg.Spool == nil {
		return nil
	}
	return q.cfg.Spool.Remove(it.ticket.Recipient, it.seq)
}

func (q *Queue) dest(deviceID string) *destQueue {
	q.Lock()
	defer q.Unlock()
	d, ok := q.dests[deviceID]
	if !ok {
		d = newDestQueue()
		q.dests[deviceID] = d
	}
	return d
}

// Drain yields the unacknowledged envelopes of the device in FIFO order.
// It first waits until at least one envelope is queued, ctx is done, or
// the drain timeout elapses.  Drained envelopes remain queued until
// acknowledged.
func (q *Queue) Drain(ctx context.Context, deviceID string) iter.Seq2[Ticket, *envelope.Envelope] {
	return func(yield func(Ticket, *envelope.Envelope) bool) {
		if !q.dir.IsRegistered(deviceID) {
			return
		}
		d := q.dest(deviceID)

		timer := q.clock.Timer(q.cfg.DrainTimeout)
		defer timer.Stop()
		for {
			ch, n := d.wait()
			if n > 0 {
				break
			}
			select {
			case <-ch:
			case <-ctx.Done():
				return
			case <-timer.C:
				return
			case <-q.HaltCh():
				return
			}
		}

		for _, it := range d.snapshot() {
			if !yield(it.ticket, it.env) {
				return
			}
		}
	}
}

// Len returns the number of unacknowledged envelopes for the device.
func (q *Queue) Len(deviceID string) int {
	q.Lock()
	d, ok := q.dests[deviceID]
	q.Unlock()
	if !ok {
		return 0
	}
	return d.len()
}

// Purge drops every envelope queued for the device, without notifying
// the senders.
func (q *Queue) Purge(deviceID string) error {
	q.Lock()
	var purged []*item
	if d, ok := q.dests[deviceID]; ok {
		purged = d.clear()
		for _, it := range purged {
			delete(q.tickets, it.ticket.ID)
		}
	}
	q.Unlock()

	q.log.Debugf("Purged %d envelopes for %v.", len(purged), deviceID)
	if q.cfg.Spool != nil {
		return q.cfg.Spool.Purge(deviceID)
	}
	return nil
}

// Halt stops every delivery pump and the expiry worker.
func (q *Queue) Halt() {
	q.haltOnce.Do(q.Worker.Halt)
}
