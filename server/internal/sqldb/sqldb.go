// sqldb.go - SQL database support.
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

// Package sqldb interfaces the tunnelbroker server with a SQL database.
package sqldb

import (
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/tunnelbroker/server/devicedb"
	"github.com/katzenpost/tunnelbroker/server/internal/glue"
	"github.com/katzenpost/tunnelbroker/server/spool"
)

type dbImpl interface {
	DeviceDB() devicedb.DeviceDB
	Spool() spool.Spool
	Close()
}

// SQLDB is a SQL database instance.
type SQLDB struct {
	glue glue.Glue
	log  *logging.Logger

	impl dbImpl
}

// DeviceDB returns a devicedb.DeviceDB instance backed by the SQL database.
func (d *SQLDB) DeviceDB() devicedb.DeviceDB {
	return d.impl.DeviceDB()
}

// Spool returns a spool.Spool instance backed by the SQL database.
func (d *SQLDB) Spool() spool.Spool {
	return d.impl.Spool()
}

// Close closes the SQL database connection(s).
func (d *SQLDB) Close() {
	d.impl.Close()
}

// New constructs a new SQLDB instance.
func New(glue glue.Glue) (*SQLDB, error) {
	db := &SQLDB{
		glue: glue,
		log:  glue.LogBackend().GetLogger("sqldb"),
	}

	sCfg := glue.Config().SQLDB

	switch sCfg.Backend {
	case implPgx:
		var err error
		db.impl, err = newPgxImpl(db, sCfg.DataSourceName, sCfg.MaxConnections)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("sqldb: Invalid backend: '%v'", sCfg.Backend)
	}

	return db, nil
}
