// envelope_test.go - Envelope codec tests.
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

package envelope

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/tunnelbroker/device"
)

var (
	alice = device.Identity{DeviceID: "a1", UserID: "alice", Type: device.Mobile}
	bob   = device.Identity{DeviceID: "b1", UserID: "bob", Type: device.Keyserver}
)

func TestRoundTrip(t *testing.T) {
	require := require.New(t)

	r := rand.New(rand.NewPCG(1, 2))
	types := []device.Type{device.Keyserver, device.Web, device.Mobile}
	for i := 0; i < 200; i++ {
		from := device.Identity{
			DeviceID: fmt.Sprintf("dev-%d", r.IntN(1000)),
			UserID:   fmt.Sprintf("user-%d", r.IntN(1000)),
			Type:     types[r.IntN(len(types))],
		}
		to := device.Identity{
			DeviceID: fmt.Sprintf("dev-%d", r.IntN(1000)),
			UserID:   fmt.Sprintf("user-%d", r.IntN(1000)),
			Type:     types[r.IntN(len(types))],
		}
		payload := make([]byte, 1+r.IntN(512))
		for j := range payload {
			payload[j] = byte(r.UintN(256))
		}
		var refs []string
		for j := 0; j < r.IntN(3); j++ {
			refs = append(refs, fmt.Sprintf("blob-%d", j))
		}
		sentAt := time.Unix(0, r.Int64N(1<<62)).In(time.FixedZone("X", 3600))

		e, err := New(from, to, payload, refs, sentAt)
		require.NoError(err)

		b, err := Encode(e)
		require.NoError(err)
		d, err := Decode(b)
		require.NoError(err)
		require.Equal(e, d)
		require.True(d.SentAt.Equal(sentAt))
	}

	for _, sentAt := range []time.Time{
		time.Unix(0, math.MinInt64),
		time.Unix(0, math.MaxInt64),
		time.Unix(0, 0),
	} {
		e, err := New(alice, bob, []byte("x"), nil, sentAt)
		require.NoError(err)
		b, err := Encode(e)
		require.NoError(err)
		d, err := Decode(b)
		require.NoError(err)
		require.Equal(e, d)
	}
}

func TestMaxOverhead(t *testing.T) {
	require := require.New(t)

	longID := strings.Repeat("i", device.MaxIDLength)
	from := device.Identity{DeviceID: longID, UserID: longID, Type: device.Keyserver}
	refs := make([]string, MaxBlobRefs)
	for i := range refs {
		refs[i] = strings.Repeat("r", MaxBlobRefLength)
	}
	e, err := New(from, from, make([]byte, MaxPayloadLength), refs, time.Unix(0, math.MaxInt64))
	require.NoError(err)

	b, err := Encode(e)
	require.NoError(err)
	require.LessOrEqual(len(b), MaxPayloadLength+MaxOverhead)
}

func TestEncodeDeterministic(t *testing.T) {
	require := require.New(t)

	e, err := New(alice, bob, []byte("ciphertext"), []string{"h1", "h2"}, time.Now())
	require.NoError(err)

	b1, err := Encode(e)
	require.NoError(err)
	b2, err := Encode(e)
	require.NoError(err)
	require.Equal(b1, b2)
}

func TestNewRejectsInvalid(t *testing.T) {
	require := require.New(t)

	_, err := New(alice, bob, nil, nil, time.Time{})
	require.ErrorIs(err, ErrMalformedEnvelope)

	_, err = New(device.Identity{UserID: "alice", Type: device.Web}, bob, []byte("x"), nil, time.Time{})
	require.ErrorIs(err, ErrMalformedEnvelope)

	_, err = New(alice, device.Identity{DeviceID: "b1", UserID: "bob", Type: 9}, []byte("x"), nil, time.Time{})
	require.ErrorIs(err, ErrUnknownDeviceType)

	_, err = New(alice, bob, []byte("x"), []string{""}, time.Time{})
	require.ErrorIs(err, ErrMalformedEnvelope)

	_, err = New(alice, bob, []byte("x"), []string{strings.Repeat("r", MaxBlobRefLength+1)}, time.Time{})
	require.ErrorIs(err, ErrMalformedEnvelope)

	_, err = New(alice, bob, []byte("x"), make([]string, MaxBlobRefs+1), time.Time{})
	require.ErrorIs(err, ErrMalformedEnvelope)

	_, err = New(alice, bob, []byte("x"), nil, time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC))
	require.ErrorIs(err, ErrMalformedEnvelope)

	_, err = New(alice, bob, []byte("x"), nil, time.Unix(0, math.MinInt64).Add(-time.Nanosecond))
	require.ErrorIs(err, ErrMalformedEnvelope)

	e, err := New(alice, bob, []byte("x"), []string{}, time.Time{})
	require.NoError(err)
	require.Nil(e.BlobRefs)
	require.False(e.SentAt.IsZero())

	// A zero timestamp is only defaulted by New.
	undated := &Envelope{From: alice, To: bob, Payload: []byte("x")}
	require.ErrorIs(undated.Validate(), ErrMalformedEnvelope)
	_, err = Encode(undated)
	require.ErrorIs(err, ErrMalformedEnvelope)
}

func rawDevice(id, user, ty string) map[int]any {
	return map[int]any{1: id, 2: user, 3: ty}
}

func TestDecodeErrors(t *testing.T) {
	mustMarshal := func(v any) []byte {
		b, err := cbor.Marshal(v)
		require.NoError(t, err)
		return b
	}

	good := mustMarshal(map[int]any{
		1: rawDevice("a1", "alice", "mobile"),
		2: rawDevice("b1", "bob", "web"),
		3: []byte("payload"),
	})
	e, err := Decode(good)
	require.NoError(t, err)
	require.Equal(t, device.Web, e.To.Type)
	require.Nil(t, e.BlobRefs)
	require.True(t, e.SentAt.Equal(time.Unix(0, 0)))

	cases := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty input", nil, ErrMalformedEnvelope},
		{"not a map", mustMarshal("hello"), ErrMalformedEnvelope},
		{"trailing bytes", append(append([]byte{}, good...), 0x00), ErrMalformedEnvelope},
		{"missing from", mustMarshal(map[int]any{
			2: rawDevice("b1", "bob", "web"),
			3: []byte("payload"),
		}), ErrMalformedEnvelope},
		{"missing payload", mustMarshal(map[int]any{
			1: rawDevice("a1", "alice", "mobile"),
			2: rawDevice("b1", "bob", "web"),
		}), ErrMalformedEnvelope},
		{"wrong shape", mustMarshal(map[int]any{
			1: 42,
			2: rawDevice("b1", "bob", "web"),
			3: []byte("payload"),
		}), ErrMalformedEnvelope},
		{"payload not bytes", mustMarshal(map[int]any{
			1: rawDevice("a1", "alice", "mobile"),
			2: rawDevice("b1", "bob", "web"),
			3: 7,
		}), ErrMalformedEnvelope},
		{"empty device id", mustMarshal(map[int]any{
			1: rawDevice("", "alice", "mobile"),
			2: rawDevice("b1", "bob", "web"),
			3: []byte("payload"),
		}), ErrMalformedEnvelope},
		{"unknown device type", mustMarshal(map[int]any{
			1: rawDevice("a1", "alice", "desktop"),
			2: rawDevice("b1", "bob", "web"),
			3: []byte("payload"),
		}), ErrUnknownDeviceType},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Decode(c.raw)
			require.ErrorIs(t, err, c.want)
		})
	}
}
