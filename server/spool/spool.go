// spool.go - Envelope spool interface.
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

// Package spool defines the relay envelope spool abstract interface.  A
// spool makes queued envelopes durable across restarts.
package spool

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Record is a queued envelope as stored in a spool.
type Record struct {
	// Ticket is the queue ticket ID the envelope was issued.
	Ticket string
	// Recipient is the destination device ID.
	Recipient string
	// Sender is the origin device ID.
	Sender string
	// ClientMessageID is the sender chosen message ID, if any.
	ClientMessageID string
	// Envelope is the encoded envelope.
	Envelope []byte
	// EnqueuedAt is when the envelope entered the queue.
	EnqueuedAt time.Time
}

type wireRecord struct {
	Ticket          string `cbor:"1,keyasint"`
	Recipient       string `cbor:"2,keyasint"`
	Sender          string `cbor:"3,keyasint"`
	ClientMessageID string `cbor:"4,keyasint,omitempty"`
	Envelope        []byte `cbor:"5,keyasint"`
	EnqueuedAt      int64  `cbor:"6,keyasint"`
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *Record) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(&wireRecord{
		Ticket:          r.Ticket,
		Recipient:       r.Recipient,
		Sender:          r.Sender,
		ClientMessageID: r.ClientMessageID,
		Envelope:        r.Envelope,
		EnqueuedAt:      r.EnqueuedAt.UnixNano(),
	})
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *Record) UnmarshalBinary(b []byte) error {
	var w wireRecord
	if err := cbor.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Ticket == "" || w.Recipient == "" || len(w.Envelope) == 0 {
		return errors.New("spool: incomplete record")
	}
	*r = Record{
		Ticket:          w.Ticket,
		Recipient:       w.Recipient,
		Sender:          w.Sender,
		ClientMessageID: w.ClientMessageID,
		Envelope:        w.Envelope,
		EnqueuedAt:      time.Unix(0, w.EnqueuedAt).UTC(),
	}
	return nil
}

// Spool is the interface provided by all envelope spool implementations.
type Spool interface {
	// Store appends a record to the recipient's spool, and returns the
	// sequence number that identifies it.
	Store(r *Record) (uint64, error)

	// Remove deletes the record with the given sequence number from the
	// recipient's spool.  Removing a missing record is not an error.
	Remove(recipient string, seq uint64) error

	// Load calls fn for every stored record, in order of increasing
	// sequence number within each recipient's spool.
	Load(fn func(seq uint64, r *Record) error) error

	// Purge removes the recipient's spool.
	Purge(recipient string) error

	// Vacuum removes the spools of recipients for which isRegistered
	// returns false.
	Vacuum(isRegistered func(recipient string) bool) error

	// Close closes the Spool instance.
	Close()
}
