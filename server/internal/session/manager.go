// manager.go - Relay session manager.
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

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/tunnelbroker/core/log"
	"github.com/katzenpost/tunnelbroker/core/worker"
	"github.com/katzenpost/tunnelbroker/crypto"
	"github.com/katzenpost/tunnelbroker/device"
	"github.com/katzenpost/tunnelbroker/server/devicedb"
	"github.com/katzenpost/tunnelbroker/server/identity"
	"github.com/katzenpost/tunnelbroker/server/internal/instrument"
	"github.com/katzenpost/tunnelbroker/wire"
)

const (
	defaultIdleTimeout   = 90 * time.Second
	defaultSweepInterval = 5 * time.Second
)

// ManagerConfig is the Manager configuration.
type ManagerConfig struct {
	// Verifier checks device binding signatures.
	Verifier crypto.Verifier

	// Identity is the external identity service.
	Identity identity.Verifier

	// Directory is the session directory.
	Directory *Directory

	// Clock is the time source, the wall clock if nil.
	Clock clock.Clock

	// IdleTimeout is the duration after which a session that has not
	// been kept alive is closed.
	IdleTimeout time.Duration

	// SweepInterval is the idle sweep period.
	SweepInterval time.Duration

	// NumVerifyWorkers is the number of signature verification workers.
	NumVerifyWorkers int

	// MaxPendingVerifies bounds the verification backlog.
	MaxPendingVerifies int

	// LogBackend is the logging backend.
	LogBackend *log.Backend
}

// InitiateRequest is a request to establish a session.
type InitiateRequest struct {
	Device    device.Identity
	PublicKey []byte
	Signature []byte
	Transport Transport

	// Client metadata, logged only.
	NotifyToken string
	AppVersion  string
	OS          string
}

func (r *InitiateRequest) validate() error {
	if err := r.Device.Validate(); err != nil {
		return err
	}
	if len(r.PublicKey) == 0 {
		return errors.New("missing public key")
	}
	if len(r.Signature) == 0 {
		return errors.New("missing signature")
	}
	if r.Transport == nil {
		return errors.New("missing transport")
	}
	return nil
}

// Manager establishes, tracks, and tears down relay sessions.
type Manager struct {
	worker.Worker

	log   *logging.Logger
	cfg   ManagerConfig
	dir   *Directory
	clock clock.Clock
	pool  *verifyPool

	listenersLock sync.RWMutex
	onActive      []func(*Session)

	haltOnce sync.Once
}

// NewManager returns a new Manager and starts its background workers.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("session: no signature verifier")
	}
	if cfg.Identity == nil {
		return nil, errors.New("session: no identity service")
	}
	if cfg.Directory == nil {
		return nil, errors.New("session: no directory")
	}
	if cfg.LogBackend == nil {
		return nil, errors.New("session: no log backend")
	}

	m := &Manager{
		log:   cfg.LogBackend.GetLogger("sessions"),
		cfg:   *cfg,
		dir:   cfg.Directory,
		clock: cfg.Clock,
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.cfg.IdleTimeout <= 0 {
		m.cfg.IdleTimeout = defaultIdleTimeout
	}
	if m.cfg.SweepInterval <= 0 {
		m.cfg.SweepInterval = defaultSweepInterval
	}
	if m.cfg.NumVerifyWorkers <= 0 {
		m.cfg.NumVerifyWorkers = 1
	}
	if m.cfg.MaxPendingVerifies <= 0 {
		m.cfg.MaxPendingVerifies = m.cfg.NumVerifyWorkers
	}

	m.pool = newVerifyPool(m.cfg.Verifier, m.cfg.NumVerifyWorkers, m.cfg.MaxPendingVerifies, cfg.LogBackend.GetLogger("verifier"))
	m.Go(m.sweepWorker)
	return m, nil
}

// Directory returns the session directory.
func (m *Manager) Directory() *Directory {
	return m.dir
}

// OnActive registers fn to be called, outside of any lock, every time a
// session becomes Active.
func (m *Manager) OnActive(fn func(*Session)) {
	m.listenersLock.Lock()
	defer m.listenersLock.Unlock()
	m.onActive = append(m.onActive, fn)
}

// Initiate authenticates the device and establishes a new Active session,
// closing the previous session of the device if any.  On failure the
// error wraps ErrAuthenticationFailed and the session is never observable.
func (m *Manager) Initiate(ctx context.Context, req *InitiateRequest) (*Session, error) {
	if err := req.validate(); err != nil {
		return nil, m.authFailed(req, err)
	}

	s := newSession(uuid.NewString(), req.Device, req.PublicKey, req.Signature, req.Transport, m.clock.Now())
	if err := m.authenticate(ctx, s); err != nil {
		s.abort()
		return nil, m.authFailed(req, err)
	}
	if err := m.dir.install(s, m.clock.Now()); err != nil {
		s.abort()
		return nil, m.authFailed(req, err)
	}

	m.log.Noticef("Session %v established: %v (app: %q os: %q)", s.id, s.device, req.AppVersion, req.OS)
	instrument.SessionEstablished()

	m.listenersLock.RLock()
	listeners := m.onActive
	m.listenersLock.RUnlock()
	for _, fn := range listeners {
		fn(s)
	}
	return s, nil
}

func (m *Manager) authenticate(ctx context.Context, s *Session) error {
	msg, err := wire.BindingMessage(s.device, s.publicKey)
	if err != nil {
		return err
	}
	ok, err := m.pool.verify(ctx, s.publicKey, msg, s.signature)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("invalid signature")
	}

	ok, err = m.cfg.Identity.IsValid(ctx, &identity.Request{
		UserID:     s.device.UserID,
		DeviceID:   s.device.DeviceID,
		DeviceType: s.device.Type.String(),
		PublicKey:  s.publicKey,
	})
	if err != nil {
		return fmt.Errorf("identity service: %w", err)
	}
	if !ok {
		return errors.New("identity service rejected device")
	}

	return m.dir.Register(&devicedb.Record{
		Identity:     s.device,
		PublicKey:    s.publicKey,
		RegisteredAt: m.clock.Now().UTC(),
	})
}

func (m *Manager) authFailed(req *InitiateRequest, err error) error {
	instrument.AuthenticationFailed()
	m.log.Warningf("Authentication failed for %v: %v", req.Device, err)
	return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
}

// KeepAlive refreshes the liveness timestamp of an Active session.
func (m *Manager) KeepAlive(sessionID string) error {
	s, ok := m.dir.session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return s.touch(m.clock.Now())
}

// Close closes the session.  Closing an unknown or already closed session
// is a no-op.
func (m *Manager) Close(sessionID string) {
	s, ok := m.dir.session(sessionID)
	if !ok {
		return
	}
	m.closeSession(s, "closed")
}

// CloseSession closes s, which need not be tracked by the directory.
func (m *Manager) CloseSession(s *Session) {
	m.closeSession(s, "closed")
}

func (m *Manager) closeSession(s *Session, reason string) {
	m.dir.remove(s)
	if s.close(reason) {
		m.log.Debugf("Session %v closed: %v", s.id, reason)
	}
}

// Session returns the Active session with the given ID.
func (m *Manager) Session(sessionID string) (*Session, bool) {
	s, ok := m.dir.session(sessionID)
	if !ok || s.State() != Active {
		return nil, false
	}
	return s, true
}

func (m *Manager) sweepWorker() {
	t := m.clock.Ticker(m.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-m.HaltCh():
			m.log.Debugf("Terminating gracefully.")
			return
		case <-t.C:
		}
		m.sweep()
	}
}

func (m *Manager) sweep() {
	now := m.clock.Now()
	for _, s := range m.dir.activeSessions() {
		if s.idleSince(now, m.cfg.IdleTimeout) {
			m.log.Debugf("Session %v idle since %v.", s.id, s.LastSeen())
			m.closeSession(s, "idle")
		}
	}
}

// Halt stops the background workers and closes every session.
func (m *Manager) Halt() {
	m.haltOnce.Do(func() {
		m.Worker.Halt()
		m.pool.Halt()
		for _, s := range m.dir.activeSessions() {
			m.closeSession(s, "shutdown")
		}
	})
}
