// identity.go - Identity service interface.
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

// Package identity defines the interface to the identity service that
// decides whether a device legitimately belongs to a user.
package identity

import "context"

// Request describes the device asking to be admitted.
type Request struct {
	UserID     string
	DeviceID   string
	DeviceType string
	PublicKey  []byte
}

// Verifier is the interface provided by all identity service backends.
type Verifier interface {
	// IsValid returns true iff the device described by the request is a
	// registered device of the user.  An error is returned only when the
	// identity service could not be consulted.
	IsValid(context.Context, *Request) (bool, error)
}

// AllowAll is a Verifier that admits every device.  It must only be used
// for testing and development deployments.
type AllowAll struct{}

// IsValid implements Verifier.
func (AllowAll) IsValid(context.Context, *Request) (bool, error) {
	return true, nil
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(context.Context, *Request) (bool, error)

// IsValid implements Verifier.
func (f VerifierFunc) IsValid(ctx context.Context, r *Request) (bool, error) {
	return f(ctx, r)
}
