// pgx_test.go - Postgresql database tests.
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

package sqldb

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/tunnelbroker/core/log"
	"github.com/katzenpost/tunnelbroker/crypto"
	"github.com/katzenpost/tunnelbroker/device"
	"github.com/katzenpost/tunnelbroker/server/config"
	"github.com/katzenpost/tunnelbroker/server/devicedb"
	"github.com/katzenpost/tunnelbroker/server/internal/delivery"
	"github.com/katzenpost/tunnelbroker/server/internal/glue"
	"github.com/katzenpost/tunnelbroker/server/internal/session"
	"github.com/katzenpost/tunnelbroker/server/spool"
)

const dsnEnv = "TUNNELBROKER_TEST_PGX_DSN"

type testGlue struct {
	cfg     *config.Config
	backend *log.Backend
}

func (g *testGlue) Config() *config.Config { return g.cfg }
func (g *testGlue) LogBackend() *log.Backend { return g.backend }
func (g *testGlue) Scheme() *crypto.Scheme { return nil }
func (g *testGlue) DeviceDB() devicedb.DeviceDB { return nil }
func (g *testGlue) Directory() *session.Directory { return nil }
func (g *testGlue) Sessions() *session.Manager { return nil }
func (g *testGlue) Queue() *delivery.Queue { return nil }
func (g *testGlue) Listeners() []glue.Listener { return nil }

func newTestDB(t *testing.T) *SQLDB {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%v not set", dsnEnv)
	}
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	g := &testGlue{
		cfg: &config.Config{
			Logging: &config.Logging{Level: "DEBUG"},
			SQLDB: &config.SQLDB{
				Backend:        implPgx,
				DataSourceName: dsn,
			},
		},
		backend: backend,
	}
	db, err := New(g)
	require.NoError(err)
	t.Cleanup(db.Close)
	return db
}

func TestPgxDeviceDB(t *testing.T) {
	db := newTestDB(t)
	require := require.New(t)
	ddb := db.DeviceDB()

	id := device.Identity{DeviceID: "pgx-test-" + time.Now().Format("150405.000000000"), UserID: "alice", Type: device.Keyserver}
	t.Cleanup(func() { ddb.Remove(id.DeviceID) })

	r := &devicedb.Record{Identity: id, PublicKey: []byte("key-1"), RegisteredAt: time.Now().UTC().Round(0)}
	require.NoError(ddb.Add(r, false))
	require.ErrorIs(ddb.Add(r, false), devicedb.ErrDeviceExists)

	got, err := ddb.Get(id.DeviceID)
	require.NoError(err)
	require.Equal(id, got.Identity)
	require.Equal([]byte("key-1"), got.PublicKey)
	require.True(r.RegisteredAt.Equal(got.RegisteredAt))

	r.PublicKey = []byte("key-2")
	require.NoError(ddb.Add(r, true))
	got, err = ddb.Get(id.DeviceID)
	require.NoError(err)
	require.Equal([]byte("key-2"), got.PublicKey)

	found := false
	require.NoError(ddb.ForEach(func(r *devicedb.Record) error {
		if r.Identity == id {
			found = true
		}
		return nil
	}))
	require.True(found)

	require.NoError(ddb.Remove(id.DeviceID))
	require.ErrorIs(ddb.Remove(id.DeviceID), devicedb.ErrNoSuchDevice)
	_, err = ddb.Get(id.DeviceID)
	require.ErrorIs(err, devicedb.ErrNoSuchDevice)
}

func TestPgxSpool(t *testing.T) {
	db := newTestDB(t)
	require := require.New(t)
	sp := db.Spool()

	recipient := "pgx-spool-" + time.Now().Format("150405.000000000")
	t.Cleanup(func() { sp.Purge(recipient) })

	var seqs []uint64
	for _, ticket := range []string{"t-1", "t-2", "t-3"} {
		seq, err := sp.Store(&spool.Record{
			Ticket:     ticket,
			Recipient:  recipient,
			Sender:     "b1",
			Envelope:   []byte(ticket),
			EnqueuedAt: time.Now(),
		})
		require.NoError(err)
		seqs = append(seqs, seq)
	}
	require.Less(seqs[0], seqs[1])
	require.Less(seqs[1], seqs[2])

	require.NoError(sp.Remove(recipient, seqs[1]))

	load := func() []string {
		var tickets []string
		require.NoError(sp.Load(func(_ uint64, r *spool.Record) error {
			if r.Recipient == recipient {
				tickets = append(tickets, r.Ticket)
			}
			return nil
		}))
		return tickets
	}
	require.Equal([]string{"t-1", "t-3"}, load())

	require.NoError(sp.Vacuum(func(r string) bool { return r != recipient }))
	require.Empty(load())
}
