// session_test.go - Relay session tests.
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

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/tunnelbroker/core/log"
	"github.com/katzenpost/tunnelbroker/crypto"
	"github.com/katzenpost/tunnelbroker/device"
	"github.com/katzenpost/tunnelbroker/server/devicedb"
	"github.com/katzenpost/tunnelbroker/server/devicedb/memdevicedb"
	"github.com/katzenpost/tunnelbroker/server/identity"
	"github.com/katzenpost/tunnelbroker/wire"
)

type testTransport struct {
	sync.Mutex

	frames [][]byte
	closed bool
	block  bool
}

func (t *testTransport) Send(ctx context.Context, b []byte) error {
	t.Lock()
	block := t.block
	t.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}

	t.Lock()
	defer t.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	t.frames = append(t.frames, append([]byte{}, b...))
	return nil
}

func (t *testTransport) Close() error {
	t.Lock()
	defer t.Unlock()
	t.closed = true
	return nil
}

func (t *testTransport) isClosed() bool {
	t.Lock()
	defer t.Unlock()
	return t.closed
}

type testEnv struct {
	scheme *crypto.Scheme
	clock  *clock.Mock
	dir    *Directory
	mgr    *Manager
}

func newTestEnv(t *testing.T, idp identity.Verifier) *testEnv {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	scheme, err := crypto.NewScheme(crypto.DefaultSchemeName)
	require.NoError(err)

	dir, err := NewDirectory(memdevicedb.New(), backend.GetLogger("directory"))
	require.NoError(err)

	if idp == nil {
		idp = identity.AllowAll{}
	}
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mgr, err := NewManager(&ManagerConfig{
		Verifier:         scheme,
		Identity:         idp,
		Directory:        dir,
		Clock:            mock,
		IdleTimeout:      time.Minute,
		SweepInterval:    time.Hour,
		NumVerifyWorkers: 2,
		LogBackend:       backend,
	})
	require.NoError(err)
	t.Cleanup(mgr.Halt)

	return &testEnv{scheme: scheme, clock: mock, dir: dir, mgr: mgr}
}

func (e *testEnv) request(t *testing.T, signer crypto.Signer, id device.Identity) (*InitiateRequest, *testTransport) {
	msg, err := wire.BindingMessage(id, signer.PublicKey())
	require.NoError(t, err)
	sig, err := signer.Sign(msg)
	require.NoError(t, err)
	tr := new(testTransport)
	return &InitiateRequest{
		Device:    id,
		PublicKey: signer.PublicKey(),
		Signature: sig,
		Transport: tr,
	}, tr
}

func (e *testEnv) signer(t *testing.T) crypto.Signer {
	s, err := e.scheme.GenerateSigner()
	require.NoError(t, err)
	return s
}

var (
	deviceA = device.Identity{DeviceID: "a1", UserID: "alice", Type: device.Mobile}
	deviceB = device.Identity{DeviceID: "b1", UserID: "alice", Type: device.Web}
)

func TestInitiate(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)

	var activated []*Session
	env.mgr.OnActive(func(s *Session) { activated = append(activated, s) })

	req, _ := env.request(t, env.signer(t), deviceA)
	s, err := env.mgr.Initiate(context.Background(), req)
	require.NoError(err)
	require.Equal(Active, s.State())
	require.Equal(deviceA, s.Device())
	require.NotEmpty(s.ID())

	got, ok := env.dir.Lookup("a1")
	require.True(ok)
	require.Same(s, got)
	require.True(env.dir.IsRegistered("a1"))
	require.Equal([]device.Identity{deviceA}, env.dir.Devices())
	require.Equal([]*Session{s}, activated)

	_, ok = env.mgr.Session(s.ID())
	require.True(ok)
}

func TestReinitiateClosesPrevious(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)
	signer := env.signer(t)

	req1, tr1 := env.request(t, signer, deviceA)
	s1, err := env.mgr.Initiate(context.Background(), req1)
	require.NoError(err)

	req2, tr2 := env.request(t, signer, deviceA)
	s2, err := env.mgr.Initiate(context.Background(), req2)
	require.NoError(err)

	require.Equal(Closed, s1.State())
	require.True(tr1.isClosed())
	require.Equal(Active, s2.State())
	require.False(tr2.isClosed())

	got, ok := env.dir.Lookup("a1")
	require.True(ok)
	require.Same(s2, got)

	require.ErrorIs(env.mgr.KeepAlive(s1.ID()), ErrSessionNotFound)
	require.NoError(env.mgr.KeepAlive(s2.ID()))

	// Closing the replaced session must not disturb its successor.
	env.mgr.Close(s1.ID())
	env.mgr.CloseSession(s1)
	got, ok = env.dir.Lookup("a1")
	require.True(ok)
	require.Same(s2, got)
}

func TestConcurrentInitiateSingleActive(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)
	signer := env.signer(t)

	const n = 16
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		req, _ := env.request(t, signer, deviceA)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := env.mgr.Initiate(context.Background(), req)
			if err == nil {
				sessions[i] = s
			}
		}(i)
	}
	wg.Wait()

	nrActive := 0
	for _, s := range sessions {
		require.NotNil(s)
		if s.State() == Active {
			nrActive++
		}
	}
	require.Equal(1, nrActive)
}

func TestAuthenticationFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	signer := env.signer(t)

	t.Run("bad signature", func(t *testing.T) {
		require := require.New(t)
		req, _ := env.request(t, signer, deviceA)
		req.Signature[0] ^= 0xff
		s, err := env.mgr.Initiate(context.Background(), req)
		require.ErrorIs(err, ErrAuthenticationFailed)
		require.Nil(s)
		_, ok := env.dir.Lookup("a1")
		require.False(ok)
		require.False(env.dir.IsRegistered("a1"))
	})

	t.Run("signature over other identity", func(t *testing.T) {
		require := require.New(t)
		req, _ := env.request(t, signer, deviceB)
		req.Device = deviceA
		_, err := env.mgr.Initiate(context.Background(), req)
		require.ErrorIs(err, ErrAuthenticationFailed)
		require.False(env.dir.IsRegistered("a1"))
	})

	t.Run("malformed request", func(t *testing.T) {
		require := require.New(t)
		req, _ := env.request(t, signer, deviceA)
		req.Signature = nil
		_, err := env.mgr.Initiate(context.Background(), req)
		require.ErrorIs(err, ErrAuthenticationFailed)

		req, _ = env.request(t, signer, device.Identity{DeviceID: "a1", UserID: "alice", Type: device.Type(9)})
		_, err = env.mgr.Initiate(context.Background(), req)
		require.ErrorIs(err, ErrAuthenticationFailed)
	})

	t.Run("key mismatch", func(t *testing.T) {
		require := require.New(t)
		req, _ := env.request(t, signer, deviceA)
		_, err := env.mgr.Initiate(context.Background(), req)
		require.NoError(err)

		req, _ = env.request(t, env.signer(t), deviceA)
		_, err = env.mgr.Initiate(context.Background(), req)
		require.ErrorIs(err, ErrAuthenticationFailed)
		require.ErrorIs(err, ErrDuplicateDevice)

		s, ok := env.dir.Lookup("a1")
		require.True(ok)
		require.Equal(signer.PublicKey(), s.PublicKey())
	})
}

func TestIdentityService(t *testing.T) {
	require := require.New(t)

	var calls []*identity.Request
	var mu sync.Mutex
	env := newTestEnv(t, identity.VerifierFunc(func(_ context.Context, r *identity.Request) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, r)
		switch r.DeviceID {
		case "a1":
			return true, nil
		case "b1":
			return false, nil
		default:
			return false, errors.New("service unavailable")
		}
	}))
	signer := env.signer(t)

	req, _ := env.request(t, signer, deviceA)
	_, err := env.mgr.Initiate(context.Background(), req)
	require.NoError(err)

	req, _ = env.request(t, signer, deviceB)
	_, err = env.mgr.Initiate(context.Background(), req)
	require.ErrorIs(err, ErrAuthenticationFailed)
	require.False(env.dir.IsRegistered("b1"))

	req, _ = env.request(t, signer, device.Identity{DeviceID: "c1", UserID: "alice", Type: device.Keyserver})
	_, err = env.mgr.Initiate(context.Background(), req)
	require.ErrorIs(err, ErrAuthenticationFailed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(calls, 3)
	require.Equal("alice", calls[0].UserID)
	require.Equal("mobile", calls[0].DeviceType)
	require.Equal(signer.PublicKey(), calls[0].PublicKey)
}

func TestCloseIdempotent(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)

	req, tr := env.request(t, env.signer(t), deviceA)
	s, err := env.mgr.Initiate(context.Background(), req)
	require.NoError(err)

	env.mgr.Close(s.ID())
	env.mgr.Close(s.ID())
	env.mgr.Close("no-such-session")
	require.Equal(Closed, s.State())
	require.True(tr.isClosed())

	_, ok := env.dir.Lookup("a1")
	require.False(ok)
	require.True(env.dir.IsRegistered("a1"))
	require.ErrorIs(env.mgr.KeepAlive(s.ID()), ErrSessionNotFound)
	require.ErrorIs(s.Send(context.Background(), []byte("x")), ErrSessionClosed)

	select {
	case <-s.Done():
	default:
		t.Fatal("session context not cancelled")
	}
}

func TestIdleSweep(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)
	signer := env.signer(t)

	reqA, _ := env.request(t, signer, deviceA)
	sa, err := env.mgr.Initiate(context.Background(), reqA)
	require.NoError(err)
	reqB, _ := env.request(t, signer, deviceB)
	sb, err := env.mgr.Initiate(context.Background(), reqB)
	require.NoError(err)

	env.clock.Add(45 * time.Second)
	require.NoError(env.mgr.KeepAlive(sb.ID()))
	env.clock.Add(30 * time.Second)
	env.mgr.sweep()

	require.Equal(Closed, sa.State())
	require.Equal(Active, sb.State())
	require.ErrorIs(env.mgr.KeepAlive(sa.ID()), ErrSessionNotFound)
	require.NoError(env.mgr.KeepAlive(sb.ID()))
}

func TestDeregister(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)

	req, tr := env.request(t, env.signer(t), deviceA)
	s, err := env.mgr.Initiate(context.Background(), req)
	require.NoError(err)

	require.NoError(env.dir.Deregister("a1"))
	require.Equal(Closed, s.State())
	require.True(tr.isClosed())
	require.False(env.dir.IsRegistered("a1"))
	_, ok := env.dir.Lookup("a1")
	require.False(ok)

	require.ErrorIs(env.dir.Deregister("a1"), ErrUnknownDevice)
}

func TestRegister(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)
	pk := env.signer(t).PublicKey()

	rec := &devicedb.Record{Identity: deviceA, PublicKey: pk}
	require.NoError(env.dir.Register(rec))
	require.NoError(env.dir.Register(rec))

	other := &devicedb.Record{Identity: deviceA, PublicKey: env.signer(t).PublicKey()}
	require.ErrorIs(env.dir.Register(other), ErrDuplicateDevice)

	renamed := &devicedb.Record{Identity: device.Identity{DeviceID: "a1", UserID: "bob", Type: device.Mobile}, PublicKey: pk}
	require.ErrorIs(env.dir.Register(renamed), ErrDuplicateDevice)

	r, ok := env.dir.Record("a1")
	require.True(ok)
	require.Equal(pk, r.PublicKey)

	id, ok := env.dir.Device("a1")
	require.True(ok)
	require.Equal(deviceA, id)
}

func TestSendCancelledByClose(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)

	req, tr := env.request(t, env.signer(t), deviceA)
	s, err := env.mgr.Initiate(context.Background(), req)
	require.NoError(err)

	require.NoError(s.Send(context.Background(), []byte("hello")))
	tr.Lock()
	require.Equal([][]byte{[]byte("hello")}, tr.frames)
	tr.block = true
	tr.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Send(context.Background(), []byte("stuck")) }()
	time.Sleep(10 * time.Millisecond)
	env.mgr.Close(s.ID())

	select {
	case err := <-errCh:
		require.ErrorIs(err, ErrSessionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("send not aborted by close")
	}
}

func TestDirectoryPersistence(t *testing.T) {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	db := memdevicedb.New()
	require.NoError(db.Add(&devicedb.Record{Identity: deviceA, PublicKey: []byte("key")}, false))

	dir, err := NewDirectory(db, backend.GetLogger("directory"))
	require.NoError(err)
	require.True(dir.IsRegistered("a1"))

	require.NoError(dir.Register(&devicedb.Record{Identity: deviceB, PublicKey: []byte("key")}))
	_, err = db.Get("b1")
	require.NoError(err)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "Pending", Pending.String())
	require.Equal(t, "Active", Active.String())
	require.Equal(t, "Closed", Closed.String())
	require.Equal(t, "State(7)", State(7).String())
}
