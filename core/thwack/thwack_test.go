// thwack_test.go - Management protocol tests.
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

package thwack

import (
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/tunnelbroker/core/log"
)

func newTestServer(t *testing.T) *Server {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	s, err := New(&Config{
		Net:         "tcp",
		Addr:        "127.0.0.1:0",
		ServiceName: "test",
		LogModule:   "mgmt",
		NewLoggerFn: b.GetLogger,
	})
	require.NoError(t, err)
	s.RegisterCommand("echo", func(c *Conn, args []string) error {
		return c.WriteLines(args)
	})
	s.RegisterCommand("fail", func(c *Conn, args []string) error {
		return c.WriteReplyf(StatusTransactionFailed, "nope: %d", len(args))
	})
	require.NoError(t, s.Start())
	return s
}

func dial(t *testing.T, s *Server) *textproto.Conn {
	c, err := textproto.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	_, msg, err := c.ReadResponse(int(StatusServiceReady))
	require.NoError(t, err)
	require.Equal(t, "test Service ready", msg)
	return c
}

func TestCommands(t *testing.T) {
	require := require.New(t)

	s := newTestServer(t)
	defer s.Halt()
	c := dial(t, s)
	defer c.Close()

	require.NoError(c.PrintfLine("echo a b"))
	_, msg, err := c.ReadResponse(int(StatusOk))
	require.NoError(err)
	require.Equal("a\nb\nRequested action ok, completed", msg)

	require.NoError(c.PrintfLine("FAIL x"))
	_, msg, err = c.ReadResponse(int(StatusTransactionFailed))
	require.NoError(err)
	require.Equal("nope: 1", msg)

	require.NoError(c.PrintfLine("bogus"))
	_, _, err = c.ReadResponse(int(StatusUnknownCommand))
	require.NoError(err)

	require.NoError(c.PrintfLine(""))
	_, _, err = c.ReadResponse(int(StatusSyntaxError))
	require.NoError(err)

	require.NoError(c.PrintfLine("quit"))
	_, _, err = c.ReadResponse(int(StatusOk))
	require.NoError(err)
	_, err = c.ReadLine()
	require.Error(err)
}

func TestHaltClosesConnections(t *testing.T) {
	require := require.New(t)

	s := newTestServer(t)
	c := dial(t, s)
	defer c.Close()

	s.Halt()
	_, err := c.ReadLine()
	require.Error(err)
	require.Nil(s.Addr())
}
