// glue.go - Glue interface that ties the server subpackages together.
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

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"github.com/katzenpost/tunnelbroker/core/log"
	"github.com/katzenpost/tunnelbroker/crypto"
	"github.com/katzenpost/tunnelbroker/server/config"
	"github.com/katzenpost/tunnelbroker/server/devicedb"
	"github.com/katzenpost/tunnelbroker/server/internal/delivery"
	"github.com/katzenpost/tunnelbroker/server/internal/session"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend
	Scheme() *crypto.Scheme

	DeviceDB() devicedb.DeviceDB
	Directory() *session.Directory
	Sessions() *session.Manager
	Queue() *delivery.Queue
	Listeners() []Listener
}

// Listener is a network listener accepting device connections.
type Listener interface {
	Halt()
	Addr() string
}
