// device.go - Device identities.
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

// Package device defines the identity of a relay device.
package device

import (
	"errors"
	"fmt"

	"golang.org/x/text/secure/precis"
)

// MaxIDLength is the maximum length of a device or user identifier in bytes.
const MaxIDLength = 256

var (
	// ErrUnknownDeviceType is the error returned when a device type is
	// outside of the enumerated set.
	ErrUnknownDeviceType = errors.New("device: unknown device type")

	// ErrInvalidIdentifier is the error returned for empty, oversized or
	// non-normalized identifiers.
	ErrInvalidIdentifier = errors.New("device: invalid identifier")
)

// Type is the kind of client a device is.
type Type uint8

const (
	// Keyserver is the keyserver device of a user.
	Keyserver Type = iota + 1
	// Web is a browser client.
	Web
	// Mobile is a native mobile client.
	Mobile
)

var typeNames = map[Type]string{
	Keyserver: "keyserver",
	Web:       "web",
	Mobile:    "mobile",
}

// String returns the canonical name of the device type.
func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Valid returns true iff t is one of the enumerated types.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, ErrUnknownDeviceType
	}
	return []byte(typeNames[t]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseType returns the Type named s.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDeviceType, s)
}

// Identity is the immutable identity of a device.
type Identity struct {
	DeviceID string
	UserID   string
	Type     Type
}

// String returns a human readable representation for logging.
func (id Identity) String() string {
	return fmt.Sprintf("%s/%s(%s)", id.UserID, id.DeviceID, id.Type)
}

// Validate returns an error if the identity is malformed.
func (id Identity) Validate() error {
	if err := ValidateID(id.DeviceID); err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	if err := ValidateID(id.UserID); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	if !id.Type.Valid() {
		return ErrUnknownDeviceType
	}
	return nil
}

// ValidateID checks that s is a non-empty identifier that is already in
// the PRECIS case preserved username form.
func ValidateID(s string) error {
	if len(s) == 0 || len(s) > MaxIDLength {
		return ErrInvalidIdentifier
	}
	norm, err := precis.UsernameCasePreserved.String(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	if norm != s {
		return fmt.Errorf("%w: %q is not normalized", ErrInvalidIdentifier, s)
	}
	return nil
}
