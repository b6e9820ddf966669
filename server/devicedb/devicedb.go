// devicedb.go - Device database interface.
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

// Package devicedb defines the relay device database abstract interface.
package devicedb

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/tunnelbroker/device"
)

var (
	// ErrNoSuchDevice is the error returned when an operation fails due
	// to a non-existent device.
	ErrNoSuchDevice = errors.New("devicedb: no such device")

	// ErrDeviceExists is the error returned when adding a device that is
	// already present without asking for an update.
	ErrDeviceExists = errors.New("devicedb: device already exists")
)

// Record is a device registration.
type Record struct {
	Identity     device.Identity
	PublicKey    []byte
	RegisteredAt time.Time
}

// Validate returns an error if the record can not be stored.
func (r *Record) Validate() error {
	if r == nil {
		return errors.New("devicedb: nil record")
	}
	if err := r.Identity.Validate(); err != nil {
		return fmt.Errorf("devicedb: %w", err)
	}
	if len(r.PublicKey) == 0 {
		return errors.New("devicedb: must provide a public key")
	}
	return nil
}

// Matches returns true iff the record has the given identity and key.
func (r *Record) Matches(id device.Identity, publicKey []byte) bool {
	return r.Identity == id && bytes.Equal(r.PublicKey, publicKey)
}

type wireRecord struct {
	DeviceID     string `cbor:"1,keyasint"`
	UserID       string `cbor:"2,keyasint"`
	Type         uint8  `cbor:"3,keyasint"`
	PublicKey    []byte `cbor:"4,keyasint"`
	RegisteredAt int64  `cbor:"5,keyasint"`
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *Record) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(&wireRecord{
		DeviceID:     r.Identity.DeviceID,
		UserID:       r.Identity.UserID,
		Type:         uint8(r.Identity.Type),
		PublicKey:    r.PublicKey,
		RegisteredAt: r.RegisteredAt.UnixNano(),
	})
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *Record) UnmarshalBinary(b []byte) error {
	var w wireRecord
	if err := cbor.Unmarshal(b, &w); err != nil {
		return err
	}
	r.Identity = device.Identity{DeviceID: w.DeviceID, UserID: w.UserID, Type: device.Type(w.Type)}
	r.PublicKey = w.PublicKey
	r.RegisteredAt = time.Unix(0, w.RegisteredAt).UTC()
	return r.Validate()
}

// DeviceDB is the interface provided by all device database
// implementations.
type DeviceDB interface {
	// Get returns the registration of the device, or ErrNoSuchDevice.
	Get(deviceID string) (*Record, error)

	// Add adds the device registration to the database.  Existing
	// devices will have their registration replaced if update is set,
	// otherwise ErrDeviceExists will be returned.
	Add(r *Record, update bool) error

	// Remove removes the device from the database, or returns
	// ErrNoSuchDevice.
	Remove(deviceID string) error

	// ForEach calls fn for every registration.  Iteration stops at the
	// first error, which is returned.
	ForEach(fn func(*Record) error) error

	// Close closes the DeviceDB instance.
	Close()
}
