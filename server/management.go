// management.go - Management interface commands.
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
	"errors"
	"fmt"

	"github.com/katzenpost/tunnelbroker/core/thwack"
	"github.com/katzenpost/tunnelbroker/server/internal/session"
)

const (
	cmdShutdown    = "SHUTDOWN"
	cmdRotateLog   = "ROTATE_LOG"
	cmdDevices     = "DEVICES"
	cmdDeregister  = "DEREGISTER"
	cmdQueueLength = "QUEUE_LENGTH"
)

func (s *Server) initManagement() error {
	mgmtCfg := &thwack.Config{
		Net:         "unix",
		Addr:        s.cfg.Management.Path,
		ServiceName: s.cfg.Server.Identifier + " tunnelbroker management interface",
		LogModule:   "mgmt",
		NewLoggerFn: s.logBackend.GetLogger,
	}
	var err error
	if s.management, err = thwack.New(mgmtCfg); err != nil {
		return err
	}

	s.management.RegisterCommand(cmdShutdown, func(c *thwack.Conn, _ []string) error {
		if err := c.WriteReply(thwack.StatusOk); err != nil {
			return err
		}
		s.fatalErrCh <- errors.New("user requested shutdown via mgmt interface")
		return nil
	})
	s.management.RegisterCommand(cmdRotateLog, func(c *thwack.Conn, _ []string) error {
		s.RotateLog()
		return c.WriteReply(thwack.StatusOk)
	})
	s.management.RegisterCommand(cmdDevices, s.onDevices)
	s.management.RegisterCommand(cmdDeregister, s.onDeregister)
	s.management.RegisterCommand(cmdQueueLength, s.onQueueLength)
	return nil
}

func (s *Server) onDevices(c *thwack.Conn, _ []string) error {
	devices := s.directory.Devices()
	lines := make([]string, 0, len(devices))
	for _, d := range devices {
		state := "offline"
		if _, ok := s.directory.Lookup(d.DeviceID); ok {
			state = "online"
		}
		lines = append(lines, fmt.Sprintf("%s %s %s %s", d.DeviceID, d.UserID, d.Type, state))
	}
	return c.WriteLines(lines)
}

func (s *Server) onDeregister(c *thwack.Conn, args []string) error {
	if len(args) != 1 {
		return c.WriteReply(thwack.StatusSyntaxError)
	}
	if err := s.Deregister(args[0]); err != nil {
		c.Log().Errorf("Failed to deregister '%v': %v", args[0], err)
		if errors.Is(err, session.ErrUnknownDevice) {
			return c.WriteReplyf(thwack.StatusTransactionFailed, "Unknown device")
		}
		return c.WriteReply(thwack.StatusTransactionFailed)
	}
	return c.WriteReply(thwack.StatusOk)
}

func (s *Server) onQueueLength(c *thwack.Conn, args []string) error {
	if len(args) != 1 {
		return c.WriteReply(thwack.StatusSyntaxError)
	}
	if !s.directory.IsRegistered(args[0]) {
		return c.WriteReplyf(thwack.StatusTransactionFailed, "Unknown device")
	}
	return c.WriteLines([]string{fmt.Sprintf("%d", s.queue.Len(args[0]))})
}
