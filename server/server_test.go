// server_test.go - Relay server tests.
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
	"context"
	"net/textproto"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/tunnelbroker/client"
	"github.com/katzenpost/tunnelbroker/core/thwack"
	"github.com/katzenpost/tunnelbroker/crypto"
	"github.com/katzenpost/tunnelbroker/device"
	"github.com/katzenpost/tunnelbroker/server/config"
)

var (
	alice = device.Identity{DeviceID: "a1", UserID: "alice", Type: device.Mobile}
	bob   = device.Identity{DeviceID: "b1", UserID: "bob", Type: device.Web}
)

func newTestConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Server: &config.Server{
			Identifier: "relay.test",
			Addresses:  []string{"127.0.0.1:0"},
			DataDir:    filepath.Join(t.TempDir(), "data"),
		},
		Logging: &config.Logging{
			Disable: true,
			Level:   "DEBUG",
		},
		Delivery: &config.Delivery{
			DrainTimeout: 200,
		},
		Spool: &config.Spool{
			Backend: config.BackendBolt,
		},
		Identity: &config.Identity{
			Backend: config.BackendAllow,
		},
		Management: &config.Management{
			Enable: true,
		},
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func dial(t *testing.T, s *Server, id device.Identity, signer crypto.Signer) *client.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, &client.Config{
		URL:      "ws://" + s.Addresses()[0],
		Identity: id,
		Signer:   signer,
	})
	require.NoError(t, err)
	return c
}

func receive(t *testing.T, c *client.Client) *client.Message {
	select {
	case m := <-c.Messages():
		return m
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no message delivered")
		return nil
	}
}

func TestServerStartShutdown(t *testing.T) {
	assert := assert.New(t)

	cfg := newTestConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)
	assert.Len(s.Addresses(), 1)

	s.Shutdown()
	s.Wait()
	s.Shutdown()
}

func TestServerEndToEnd(t *testing.T) {
	require := require.New(t)

	cfg := newTestConfig(t)
	s, err := New(cfg)
	require.NoError(err)
	defer s.Shutdown()

	scheme, err := crypto.NewScheme(cfg.Server.SignatureScheme)
	require.NoError(err)
	aliceKey, err := scheme.GenerateSigner()
	require.NoError(err)
	bobKey, err := scheme.GenerateSigner()
	require.NoError(err)

	a := dial(t, s, alice, aliceKey)
	defer a.Close()
	b := dial(t, s, bob, bobKey)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Online delivery.
	id, err := a.Send(ctx, bob.DeviceID, []byte("hello bob"), nil)
	require.NoError(err)
	m := receive(t, b)
	require.Equal(id, m.ID)
	require.Equal(alice, m.Envelope.From)
	require.Equal([]byte("hello bob"), m.Envelope.Payload)

	// Unacknowledged envelopes are also returned by a long poll.
	polled, err := b.Poll(ctx)
	require.NoError(err)
	require.Len(polled, 1)
	require.Equal(id, polled[0].ID)

	require.NoError(b.Ack(ctx, m.ID))
	require.Eventually(func() bool { return s.queue.Len(bob.DeviceID) == 0 }, 5*time.Second, 10*time.Millisecond)
	polled, err = b.Poll(ctx)
	require.NoError(err)
	require.Empty(polled)

	// Offline delivery survives a restart.
	require.NoError(b.Close())
	id, err = a.Send(ctx, bob.DeviceID, []byte("are you there"), []string{"blob-1"})
	require.NoError(err)
	require.Equal(1, s.queue.Len(bob.DeviceID))
	a.Close()
	s.Shutdown()

	s, err = New(cfg)
	require.NoError(err)
	defer s.Shutdown()
	require.Equal(1, s.queue.Len(bob.DeviceID))

	b = dial(t, s, bob, bobKey)
	defer b.Close()
	m = receive(t, b)
	require.Equal(id, m.ID)
	require.Equal([]string{"blob-1"}, m.Envelope.BlobRefs)

	// A device presenting another key is refused.
	other, err := scheme.GenerateSigner()
	require.NoError(err)
	_, err = client.Dial(ctx, &client.Config{
		URL:      "ws://" + s.Addresses()[0],
		Identity: bob,
		Signer:   other,
	})
	require.Error(err)
}

func TestServerManagement(t *testing.T) {
	require := require.New(t)

	cfg := newTestConfig(t)
	s, err := New(cfg)
	require.NoError(err)
	defer s.Shutdown()

	scheme, err := crypto.NewScheme(cfg.Server.SignatureScheme)
	require.NoError(err)
	aliceKey, err := scheme.GenerateSigner()
	require.NoError(err)
	bobKey, err := scheme.GenerateSigner()
	require.NoError(err)

	a := dial(t, s, alice, aliceKey)
	defer a.Close()
	b := dial(t, s, bob, bobKey)
	require.NoError(b.Close())
	require.Eventually(func() bool {
		_, ok := s.directory.Lookup(bob.DeviceID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = a.Send(ctx, bob.DeviceID, []byte("queued"), nil)
	require.NoError(err)

	c, err := textproto.Dial("unix", cfg.Management.Path)
	require.NoError(err)
	defer c.Close()
	_, _, err = c.ReadResponse(int(thwack.StatusServiceReady))
	require.NoError(err)

	require.NoError(c.PrintfLine("DEVICES"))
	_, msg, err := c.ReadResponse(int(thwack.StatusOk))
	require.NoError(err)
	require.Contains(msg, "a1 alice mobile online")
	require.Contains(msg, "b1 bob web offline")

	require.NoError(c.PrintfLine("QUEUE_LENGTH b1"))
	_, msg, err = c.ReadResponse(int(thwack.StatusOk))
	require.NoError(err)
	require.Contains(msg, "1\n")

	require.NoError(c.PrintfLine("DEREGISTER b1"))
	_, _, err = c.ReadResponse(int(thwack.StatusOk))
	require.NoError(err)
	require.Equal(0, s.queue.Len(bob.DeviceID))

	require.NoError(c.PrintfLine("QUEUE_LENGTH b1"))
	_, _, err = c.ReadResponse(int(thwack.StatusTransactionFailed))
	require.NoError(err)

	require.NoError(c.PrintfLine("DEREGISTER"))
	_, _, err = c.ReadResponse(int(thwack.StatusSyntaxError))
	require.NoError(err)

	require.NoError(c.PrintfLine("SHUTDOWN"))
	_, _, err = c.ReadResponse(int(thwack.StatusOk))
	require.NoError(err)
	s.Wait()
}
