// boltdevicedb_test.go - BoltDB backed device database tests.
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

package boltdevicedb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/tunnelbroker/device"
	"github.com/katzenpost/tunnelbroker/server/devicedb"
)

func testRecord(id string) *devicedb.Record {
	return &devicedb.Record{
		Identity:     device.Identity{DeviceID: id, UserID: "alice", Type: device.Web},
		PublicKey:    []byte("key-" + id),
		RegisteredAt: time.Unix(1700000000, 0).UTC(),
	}
}

func exerciseDeviceDB(t *testing.T, d devicedb.DeviceDB) {
	require := require.New(t)

	_, err := d.Get("a1")
	require.ErrorIs(err, devicedb.ErrNoSuchDevice)

	require.NoError(d.Add(testRecord("a1"), false))
	require.NoError(d.Add(testRecord("b1"), false))
	require.ErrorIs(d.Add(testRecord("a1"), false), devicedb.ErrDeviceExists)

	updated := testRecord("a1")
	updated.PublicKey = []byte("rotated")
	require.NoError(d.Add(updated, true))

	r, err := d.Get("a1")
	require.NoError(err)
	require.Equal(updated, r)

	require.Error(d.Add(&devicedb.Record{Identity: device.Identity{DeviceID: "c1", UserID: "carol", Type: device.Web}}, false))

	seen := map[string]bool{}
	require.NoError(d.ForEach(func(r *devicedb.Record) error {
		seen[r.Identity.DeviceID] = true
		return nil
	}))
	require.Equal(map[string]bool{"a1": true, "b1": true}, seen)

	require.NoError(d.Remove("b1"))
	require.ErrorIs(d.Remove("b1"), devicedb.ErrNoSuchDevice)
	_, err = d.Get("b1")
	require.ErrorIs(err, devicedb.ErrNoSuchDevice)
}

func TestBoltDeviceDB(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "devices.db")
	d, err := New(f)
	require.NoError(err)
	exerciseDeviceDB(t, d)
	d.Close()

	// Registrations survive a reopen.
	d, err = New(f)
	require.NoError(err)
	defer d.Close()
	r, err := d.Get("a1")
	require.NoError(err)
	require.Equal([]byte("rotated"), r.PublicKey)
}

func TestBoltDeviceDBVersion(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "devices.db")
	db, err := bolt.Open(f, 0600, nil)
	require.NoError(err)
	require.NoError(db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(versionKey), []byte{42})
	}))
	require.NoError(db.Close())

	_, err = New(f)
	require.Error(err)
}
