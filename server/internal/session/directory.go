// directory.go - Session directory.
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
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/tunnelbroker/device"
	"github.com/katzenpost/tunnelbroker/server/devicedb"
)

// Directory is the authoritative registry of devices and of their
// currently Active session.  At most one session per device is Active.
type Directory struct {
	sync.RWMutex

	log *logging.Logger
	db  devicedb.DeviceDB

	devices  map[string]*devicedb.Record
	active   map[string]*Session
	sessions map[string]*Session
}

// NewDirectory returns a Directory backed by db, populated with the
// devices already registered.
func NewDirectory(db devicedb.DeviceDB, log *logging.Logger) (*Directory, error) {
	d := &Directory{
		log:      log,
		db:       db,
		devices:  make(map[string]*devicedb.Record),
		active:   make(map[string]*Session),
		sessions: make(map[string]*Session),
	}
	if err := db.ForEach(func(r *devicedb.Record) error {
		d.devices[r.Identity.DeviceID] = r
		return nil
	}); err != nil {
		return nil, err
	}
	d.log.Debugf("Loaded %d device registrations.", len(d.devices))
	return d, nil
}

// Register records the device and its public key.  Registering an
// identical record again is a no-op.  Registering a known device ID with a
// different identity or key fails with ErrDuplicateDevice.
func (d *Directory) Register(r *devicedb.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	d.Lock()
	defer d.Unlock()

	if old, ok := d.devices[r.Identity.DeviceID]; ok {
		if old.Matches(r.Identity, r.PublicKey) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrDuplicateDevice, r.Identity.DeviceID)
	}

	rec := &devicedb.Record{
		Identity:     r.Identity,
		PublicKey:    append([]byte{}, r.PublicKey...),
		RegisteredAt: r.RegisteredAt,
	}
	if err := d.db.Add(rec, false); err != nil {
		if errors.Is(err, devicedb.ErrDeviceExists) {
			return fmt.Errorf("%w: %v", ErrDuplicateDevice, r.Identity.DeviceID)
		}
		return err
	}
	d.devices[rec.Identity.DeviceID] = rec
	d.log.Noticef("Registered device: %v", rec.Identity)
	return nil
}

// Deregister removes the device registration and closes its Active
// session, if any.
func (d *Directory) Deregister(deviceID string) error {
	d.Lock()
	defer d.Unlock()

	if _, ok := d.devices[deviceID]; !ok {
		return fmt.Errorf("%w: %v", ErrUnknownDevice, deviceID)
	}
	if err := d.db.Remove(deviceID); err != nil && !errors.Is(err, devicedb.ErrNoSuchDevice) {
		return err
	}
	delete(d.devices, deviceID)
	if s, ok := d.active[deviceID]; ok {
		delete(d.active, deviceID)
		delete(d.sessions, s.id)
		s.close("deregistered")
	}
	d.log.Noticef("Deregistered device: %v", deviceID)
	return nil
}

// Lookup returns the Active session of the device, if any.
func (d *Directory) Lookup(deviceID string) (*Session, bool) {
	d.RLock()
	defer d.RUnlock()

	s, ok := d.active[deviceID]
	if !ok || s.State() != Active {
		return nil, false
	}
	return s, true
}

// Device returns the registered identity of the device.
func (d *Directory) Device(deviceID string) (device.Identity, bool) {
	d.RLock()
	defer d.RUnlock()

	r, ok := d.devices[deviceID]
	if !ok {
		return device.Identity{}, false
	}
	return r.Identity, true
}

// Record returns a copy of the device registration.
func (d *Directory) Record(deviceID string) (*devicedb.Record, bool) {
	d.RLock()
	defer d.RUnlock()

	r, ok := d.devices[deviceID]
	if !ok {
		return nil, false
	}
	return &devicedb.Record{
		Identity:     r.Identity,
		PublicKey:    append([]byte{}, r.PublicKey...),
		RegisteredAt: r.RegisteredAt,
	}, true
}

// IsRegistered returns true iff the device is registered.
func (d *Directory) IsRegistered(deviceID string) bool {
	d.RLock()
	defer d.RUnlock()

	_, ok := d.devices[deviceID]
	return ok
}

// Devices returns the identities of all registered devices, sorted by
// device ID.
func (d *Directory) Devices() []device.Identity {
	d.RLock()
	defer d.RUnlock()

	ids := make([]device.Identity, 0, len(d.devices))
	for _, r := range d.devices {
		ids = append(ids, r.Identity)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].DeviceID < ids[j].DeviceID })
	return ids
}

// install activates s, replacing and closing the previously Active
// session of the same device.  Both happen under the directory lock.
func (d *Directory) install(s *Session, now time.Time) error {
	d.Lock()
	defer d.Unlock()

	r, ok := d.devices[s.device.DeviceID]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownDevice, s.device.DeviceID)
	}
	if !r.Matches(s.device, s.publicKey) {
		return fmt.Errorf("%w: %v", ErrDuplicateDevice, s.device.DeviceID)
	}
	if s.State() != Pending {
		return ErrSessionClosed
	}

	if old, ok := d.active[s.device.DeviceID]; ok {
		delete(d.sessions, old.id)
		old.close("replaced")
		d.log.Debugf("Session %v replaced by %v.", old.id, s.id)
	}
	s.activate(now)
	d.active[s.device.DeviceID] = s
	d.sessions[s.id] = s
	return nil
}

// remove drops s from the directory if it is still the Active session of
// its device.
func (d *Directory) remove(s *Session) {
	d.Lock()
	defer d.Unlock()

	delete(d.sessions, s.id)
	if cur, ok := d.active[s.device.DeviceID]; ok && cur == s {
		delete(d.active, s.device.DeviceID)
	}
}

func (d *Directory) session(id string) (*Session, bool) {
	d.RLock()
	defer d.RUnlock()

	s, ok := d.sessions[id]
	return s, ok
}

func (d *Directory) activeSessions() []*Session {
	d.RLock()
	defer d.RUnlock()

	l := make([]*Session, 0, len(d.active))
	for _, s := range d.active {
		l = append(l, s)
	}
	return l
}
