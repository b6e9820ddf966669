// storage.go - Device database and spool backends.
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

package server

import (
	"fmt"

	"github.com/katzenpost/tunnelbroker/core/log"
	"github.com/katzenpost/tunnelbroker/server/config"
	"github.com/katzenpost/tunnelbroker/server/devicedb"
	"github.com/katzenpost/tunnelbroker/server/devicedb/boltdevicedb"
	"github.com/katzenpost/tunnelbroker/server/devicedb/memdevicedb"
	"github.com/katzenpost/tunnelbroker/server/internal/glue"
	"github.com/katzenpost/tunnelbroker/server/internal/sqldb"
	"github.com/katzenpost/tunnelbroker/server/spool"
	"github.com/katzenpost/tunnelbroker/server/spool/boltspool"
)

// Storage is the persistent state of a relay, opened without starting
// the relay itself.
type Storage struct {
	DeviceDB devicedb.DeviceDB

	// Spool is nil when queued envelopes are only kept in memory.
	Spool spool.Spool

	sqlDB *sqldb.SQLDB
}

// Close closes the storage backends.
func (st *Storage) Close() {
	if st.Spool != nil {
		st.Spool.Close()
	}
	if st.DeviceDB != nil {
		st.DeviceDB.Close()
	}
	if st.sqlDB != nil {
		st.sqlDB.Close()
	}
}

func openStorage(g glue.Glue) (*Storage, error) {
	cfg := g.Config()
	st := new(Storage)
	ok := false
	defer func() {
		if !ok {
			st.Close()
		}
	}()

	var err error
	if cfg.UsesSQL() {
		if st.sqlDB, err = sqldb.New(g); err != nil {
			return nil, err
		}
	}

	switch cfg.DeviceDB.Backend {
	case config.BackendBolt:
		st.DeviceDB, err = boltdevicedb.New(cfg.DeviceDB.Bolt.DeviceDB)
	case config.BackendMemory:
		st.DeviceDB = memdevicedb.New()
	case config.BackendSQL:
		st.DeviceDB = st.sqlDB.DeviceDB()
	default:
		err = fmt.Errorf("server: invalid device database backend: '%v'", cfg.DeviceDB.Backend)
	}
	if err != nil {
		return nil, err
	}

	switch cfg.Spool.Backend {
	case config.BackendBolt:
		st.Spool, err = boltspool.New(cfg.Spool.Bolt.SpoolDB)
	case config.BackendMemory:
	case config.BackendSQL:
		st.Spool = st.sqlDB.Spool()
	default:
		err = fmt.Errorf("server: invalid spool backend: '%v'", cfg.Spool.Backend)
	}
	if err != nil {
		return nil, err
	}

	ok = true
	return st, nil
}

func (s *Server) initStorage(g glue.Glue) error {
	st, err := openStorage(g)
	if err != nil {
		return err
	}
	s.sqlDB, s.deviceDB, s.spool = st.sqlDB, st.DeviceDB, st.Spool
	if s.spool == nil {
		s.log.Warning("Spool backend 'memory' loses queued envelopes on restart.")
	}
	return nil
}

// OpenStorage opens the device database and spool named by cfg, for
// offline administration of a relay that is not running.
func OpenStorage(cfg *config.Config, logBackend *log.Backend) (*Storage, error) {
	s := &Server{cfg: cfg, logBackend: logBackend}
	return openStorage(&serverGlue{s})
}
