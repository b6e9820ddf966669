// boltdevicedb.go - BoltDB backed device database.
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

// Package boltdevicedb implements the relay device database with a simple
// boltdb based backend.
package boltdevicedb

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/tunnelbroker/server/devicedb"
)

const (
	devicesBucket  = "devices"
	metadataBucket = "metadata"
	versionKey     = "version"

	dbVersion = 0
)

type boltDeviceDB struct {
	db *bolt.DB
}

func (d *boltDeviceDB) Get(deviceID string) (*devicedb.Record, error) {
	r := new(devicedb.Record)
	err := d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(devicesBucket))
		raw := bkt.Get([]byte(deviceID))
		if raw == nil {
			return devicedb.ErrNoSuchDevice
		}
		return r.UnmarshalBinary(raw)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (d *boltDeviceDB) Add(r *devicedb.Record, update bool) error {
	if err := r.Validate(); err != nil {
		return err
	}
	raw, err := r.MarshalBinary()
	if err != nil {
		return err
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(devicesBucket))
		k := []byte(r.Identity.DeviceID)
		if bkt.Get(k) != nil && !update {
			return devicedb.ErrDeviceExists
		}
		return bkt.Put(k, raw)
	})
}

func (d *boltDeviceDB) Remove(deviceID string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(devicesBucket))
		k := []byte(deviceID)
		if bkt.Get(k) == nil {
			return devicedb.ErrNoSuchDevice
		}
		return bkt.Delete(k)
	})
}

func (d *boltDeviceDB) ForEach(fn func(*devicedb.Record) error) error {
	return d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(devicesBucket))
		return bkt.ForEach(func(k, v []byte) error {
			r := new(devicedb.Record)
			if err := r.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("boltdevicedb: corrupt record for '%s': %w", k, err)
			}
			return fn(r)
		})
	})
}

func (d *boltDeviceDB) Close() {
	d.db.Sync()
	d.db.Close()
}

// New creates (or loads) a device database with the given file name f.
func New(f string) (devicedb.DeviceDB, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	d := &boltDeviceDB{db: db}

	if err = d.db.Update(func(tx *bolt.Tx) error {
		// Ensure that all the buckets exists, and grab the metadata bucket.
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(devicesBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			// Well it looks like we loaded as opposed to created.
			if len(b) != 1 || b[0] != dbVersion {
				return fmt.Errorf("boltdevicedb: incompatible version: %v", b)
			}
			return nil
		}

		// We created a new database, so populate the new `metadata` bucket.
		return bkt.Put([]byte(versionKey), []byte{dbVersion})
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		d.db.Close()
		return nil, err
	}

	return d, nil
}
