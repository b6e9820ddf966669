// memdevicedb.go - In-memory device database.
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

// Package memdevicedb implements a volatile device database.
package memdevicedb

import (
	"sync"

	"github.com/katzenpost/tunnelbroker/server/devicedb"
)

type memDeviceDB struct {
	sync.RWMutex

	devices map[string]devicedb.Record
}

func (d *memDeviceDB) Get(deviceID string) (*devicedb.Record, error) {
	d.RLock()
	defer d.RUnlock()

	r, ok := d.devices[deviceID]
	if !ok {
		return nil, devicedb.ErrNoSuchDevice
	}
	return &r, nil
}

func (d *memDeviceDB) Add(r *devicedb.Record, update bool) error {
	if err := r.Validate(); err != nil {
		return err
	}

	d.Lock()
	defer d.Unlock()

	if _, ok := d.devices[r.Identity.DeviceID]; ok && !update {
		return devicedb.ErrDeviceExists
	}
	rec := *r
	rec.PublicKey = append([]byte{}, r.PublicKey...)
	d.devices[r.Identity.DeviceID] = rec
	return nil
}

func (d *memDeviceDB) Remove(deviceID string) error {
	d.Lock()
	defer d.Unlock()

	if _, ok := d.devices[deviceID]; !ok {
		return devicedb.ErrNoSuchDevice
	}
	delete(d.devices, deviceID)
	return nil
}

func (d *memDeviceDB) ForEach(fn func(*devicedb.Record) error) error {
	d.RLock()
	recs := make([]devicedb.Record, 0, len(d.devices))
	for _, r := range d.devices {
		recs = append(recs, r)
	}
	d.RUnlock()

	for i := range recs {
		if err := fn(&recs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (d *memDeviceDB) Close() {}

// New creates an empty in-memory device database.
func New() devicedb.DeviceDB {
	return &memDeviceDB{
		devices: make(map[string]devicedb.Record),
	}
}
