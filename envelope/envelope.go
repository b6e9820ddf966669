// envelope.go - Relay message envelope and codec.
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

// Package envelope implements the routed message unit exchanged between
// devices via the relay, and its CBOR wire encoding.
package envelope

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/tunnelbroker/device"
)

const (
	// MaxPayloadLength is the maximum size of an envelope payload in bytes.
	MaxPayloadLength = 1 << 20

	// MaxBlobRefs is the maximum number of blob references per envelope.
	MaxBlobRefs = 32

	// MaxBlobRefLength is the maximum length of a blob reference in bytes.
	MaxBlobRefLength = 256

	// MaxOverhead bounds the encoded size of a valid envelope beyond its
	// payload.
	MaxOverhead = 16 * 1024
)

var (
	// ErrMalformedEnvelope is the error returned when a required field is
	// absent or of the wrong shape.
	ErrMalformedEnvelope = errors.New("envelope: malformed envelope")

	// ErrUnknownDeviceType is the error returned when a device type is
	// outside of the enumerated set.
	ErrUnknownDeviceType = device.ErrUnknownDeviceType

	// minSentAt and maxSentAt bound the timestamps representable as Unix
	// nanoseconds on the wire.
	minSentAt = time.Unix(0, math.MinInt64)
	maxSentAt = time.Unix(0, math.MaxInt64)

	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decOpts := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(err)
	}
}

// Envelope is an opaque payload with routing metadata.  An Envelope is
// immutable once created.
type Envelope struct {
	From     device.Identity
	To       device.Identity
	Payload  []byte
	BlobRefs []string
	SentAt   time.Time
}

// New creates a validated Envelope.  A zero sentAt is replaced by the
// current time.  The timestamp is normalized to UTC without a monotonic
// reading so that it survives an encoding round trip unchanged.
func New(from, to device.Identity, payload []byte, blobRefs []string, sentAt time.Time) (*Envelope, error) {
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	e := &Envelope{
		From:     from,
		To:       to,
		Payload:  payload,
		BlobRefs: normalizeRefs(blobRefs),
		SentAt:   sentAt.UTC().Round(0),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate returns ErrMalformedEnvelope or ErrUnknownDeviceType if the
// envelope is not well formed.
func (e *Envelope) Validate() error {
	if e == nil {
		return ErrMalformedEnvelope
	}
	for _, id := range []device.Identity{e.From, e.To} {
		if err := id.Validate(); err != nil {
			if errors.Is(err, device.ErrUnknownDeviceType) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
	}
	if e.SentAt.IsZero() || e.SentAt.Before(minSentAt) || e.SentAt.After(maxSentAt) {
		return fmt.Errorf("%w: timestamp out of range", ErrMalformedEnvelope)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedEnvelope)
	}
	if len(e.Payload) > MaxPayloadLength {
		return fmt.Errorf("%w: oversized payload", ErrMalformedEnvelope)
	}
	if len(e.BlobRefs) > MaxBlobRefs {
		return fmt.Errorf("%w: too many blob references", ErrMalformedEnvelope)
	}
	for _, ref := range e.BlobRefs {
		if ref == "" || len(ref) > MaxBlobRefLength {
			return fmt.Errorf("%w: invalid blob reference", ErrMalformedEnvelope)
		}
	}
	return nil
}

type wireDevice struct {
	DeviceID string `cbor:"1,keyasint"`
	UserID   string `cbor:"2,keyasint"`
	Type     string `cbor:"3,keyasint"`
}

type wireEnvelope struct {
	From     *wireDevice `cbor:"1,keyasint"`
	To       *wireDevice `cbor:"2,keyasint"`
	Payload  []byte      `cbor:"3,keyasint"`
	BlobRefs []string    `cbor:"4,keyasint"`
	SentAt   int64       `cbor:"5,keyasint"`
}

func toWireDevice(id device.Identity) *wireDevice {
	return &wireDevice{
		DeviceID: id.DeviceID,
		UserID:   id.UserID,
		Type:     id.Type.String(),
	}
}

func fromWireDevice(w *wireDevice) (device.Identity, error) {
	if w == nil || w.DeviceID == "" || w.UserID == "" || w.Type == "" {
		return device.Identity{}, ErrMalformedEnvelope
	}
	t, err := device.ParseType(w.Type)
	if err != nil {
		return device.Identity{}, err
	}
	return device.Identity{DeviceID: w.DeviceID, UserID: w.UserID, Type: t}, nil
}

// Encode serializes a valid envelope with deterministic CBOR.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	w := &wireEnvelope{
		From:     toWireDevice(e.From),
		To:       toWireDevice(e.To),
		Payload:  e.Payload,
		BlobRefs: e.BlobRefs,
		SentAt:   e.SentAt.UnixNano(),
	}
	return encMode.Marshal(w)
}

// Decode deserializes an envelope.  The payload is never inspected.
func Decode(b []byte) (*Envelope, error) {
	if len(b) == 0 {
		return nil, ErrMalformedEnvelope
	}
	w := new(wireEnvelope)
	if err := decMode.Unmarshal(b, w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.From == nil || w.To == nil || w.Payload == nil {
		return nil, fmt.Errorf("%w: missing required field", ErrMalformedEnvelope)
	}

	from, err := fromWireDevice(w.From)
	if err != nil {
		return nil, err
	}
	to, err := fromWireDevice(w.To)
	if err != nil {
		return nil, err
	}
	e := &Envelope{
		From:     from,
		To:       to,
		Payload:  w.Payload,
		BlobRefs: normalizeRefs(w.BlobRefs),
		SentAt:   time.Unix(0, w.SentAt).UTC(),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func normalizeRefs(refs []string) []string {
	if len(refs) == 0 {
		return nil
	}
	return append([]string(nil), refs...)
}
