// session.go - Relay sessions.
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

// Package session implements relay session establishment, the per device
// session directory, and the session lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/katzenpost/tunnelbroker/device"
	"github.com/katzenpost/tunnelbroker/server/internal/instrument"
)

var (
	// ErrAuthenticationFailed is the error returned when a session could
	// not be established.  It wraps the underlying reason.
	ErrAuthenticationFailed = errors.New("session: authentication failed")

	// ErrDuplicateDevice is the error returned when a device is already
	// registered with a different identity or public key.
	ErrDuplicateDevice = errors.New("session: device registered with different credentials")

	// ErrSessionNotFound is the error returned when a session is not
	// Active.
	ErrSessionNotFound = errors.New("session: session not found")

	// ErrUnknownDevice is the error returned for devices that are not
	// registered.
	ErrUnknownDevice = errors.New("session: unknown device")

	// ErrSessionClosed is the error returned by Send when the session was
	// closed before or during the send.
	ErrSessionClosed = errors.New("session: session closed")
)

// State is the lifecycle state of a session.
type State uint8

const (
	// Pending sessions are being authenticated and are never observable
	// through the Directory.
	Pending State = iota
	// Active sessions are authenticated and reachable.
	Active
	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Active:
		return "Active"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Transport is the bidirectional byte stream a session is established
// over.  Inbound frames are read by the owner of the transport.
type Transport interface {
	// Send writes a single frame.  Send must honor ctx cancellation.
	Send(ctx context.Context, frame []byte) error

	// Close tears down the transport.  Close may be called concurrently
	// with Send.
	Close() error
}

// Session is an authenticated channel between a device and the relay.
type Session struct {
	id            string
	device        device.Identity
	publicKey     []byte
	signature     []byte
	establishedAt time.Time
	transport     Transport

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	lastSeen time.Time
}

func newSession(id string, dev device.Identity, publicKey, signature []byte, t Transport, now time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:            id,
		device:        dev,
		publicKey:     append([]byte{}, publicKey...),
		signature:     append([]byte{}, signature...),
		establishedAt: now,
		transport:     t,
		ctx:           ctx,
		cancel:        cancel,
		state:         Pending,
		lastSeen:      now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Device returns the identity of the device that owns the session.
func (s *Session) Device() device.Identity {
	return s.device
}

// PublicKey returns the public key the session was authenticated with.
func (s *Session) PublicKey() []byte {
	return s.publicKey
}

// Signature returns the signature the session was authenticated with.
func (s *Session) Signature() []byte {
	return s.signature
}

// EstablishedAt returns the time the session was created.
func (s *Session) EstablishedAt() time.Time {
	return s.establishedAt
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSeen returns the last time the session was kept alive.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Done returns a channel that is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Send writes a frame to the session transport.  The send is aborted if
// either ctx is cancelled or the session is closed, in which case the
// returned error wraps ErrSessionClosed.
func (s *Session) Send(ctx context.Context, frame []byte) error {
	if s.State() != Active {
		return ErrSessionClosed
	}

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	err := s.transport.Send(sendCtx, frame)
	if err != nil && s.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return err
}

func (s *Session) activate(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Active
	s.lastSeen = now
}

func (s *Session) touch(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return ErrSessionNotFound
	}
	s.lastSeen = now
	return nil
}

func (s *Session) idleSince(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Active && now.Sub(s.lastSeen) > timeout
}

// abort discards a session that never became Active.  The transport is
// left to the caller.
func (s *Session) abort() {
	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
	s.cancel()
}

// close transitions the session to Closed, cancelling in-flight sends
// and closing the transport.  It returns false if the session was
// already closed.
func (s *Session) close(reason string) bool {
	s.mu.Lock()
	prev := s.state
	s.state = Closed
	s.mu.Unlock()
	if prev == Closed {
		return false
	}

	s.cancel()
	if s.transport != nil {
		s.transport.Close()
	}
	if prev == Active {
		instrument.SessionClosed(reason)
	}
	return true
}
