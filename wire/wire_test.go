// wire_test.go - Wire protocol tests.
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

package wire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/tunnelbroker/device"
)

func TestEncodeDecode(t *testing.T) {
	msgs := []Message{
		&ConnectionInitialization{
			DeviceID:    "a1",
			UserID:      "alice",
			DeviceType:  "mobile",
			PublicKey:   []byte{1, 2, 3},
			Signature:   []byte{4, 5, 6},
			NotifyToken: "token",
			AppVersion:  "1.0",
			OS:          "ios",
		},
		&ConnectionInitializationResponse{Status: StatusSuccess, SessionID: "s"},
		&Heartbeat{},
		&MessageToDeviceRequest{ClientMessageID: "c1", DeviceID: "b1", Payload: []byte("hi"), BlobRefs: []string{"r"}},
		&MessageToDeviceRequestStatus{ClientMessageID: "c1", MessageID: "m1", Status: StatusSuccess},
		&MessageToDevice{MessageID: "m1", Envelope: []byte{0xa0}},
		&MessageReceiveConfirmation{MessageIDs: []string{"m1", "m2"}},
		&DeliveryNotice{MessageID: "m1", Recipient: "b1", Status: StatusDeliveryFailed, Error: "boom"},
		&MessageBatch{Messages: []MessageToDevice{{MessageID: "m1", Envelope: []byte{1}}}},
	}
	for _, m := range msgs {
		b, err := Encode(m)
		require.NoError(t, err)
		d, err := Decode(b)
		require.NoError(t, err)
		require.Equal(t, m, d)
		require.Equal(t, m.Type(), d.Type())
	}
}

func TestMessageToDeviceOverhead(t *testing.T) {
	require := require.New(t)

	for _, n := range []int{0, 1, 1 << 16, 1<<20 + 16*1024} {
		b, err := Encode(&MessageToDevice{
			MessageID: strings.Repeat("m", 64),
			Envelope:  make([]byte, n),
		})
		require.NoError(err)
		require.LessOrEqual(len(b), n+MessageToDeviceOverhead)
	}
}

func TestDecodeErrors(t *testing.T) {
	require := require.New(t)

	_, err := Decode([]byte("not cbor at all"))
	require.ErrorIs(err, ErrInvalidFrame)

	raw, err := cbor.Marshal(&frame{Type: 200, Body: []byte{0xa0}})
	require.NoError(err)
	_, err = Decode(raw)
	require.ErrorIs(err, ErrUnknownMessageType)

	raw, err = cbor.Marshal(&frame{Type: TypeHeartbeat})
	require.NoError(err)
	_, err = Decode(raw)
	require.ErrorIs(err, ErrInvalidFrame)

	body, err := cbor.Marshal("a string, not a map")
	require.NoError(err)
	raw, err = cbor.Marshal(&frame{Type: TypeMessageToDevice, Body: body})
	require.NoError(err)
	_, err = Decode(raw)
	require.ErrorIs(err, ErrInvalidFrame)

	_, err = Encode(nil)
	require.Error(err)
}

func TestConnectionInitializationIdentity(t *testing.T) {
	require := require.New(t)

	m := &ConnectionInitialization{DeviceID: "a1", UserID: "alice", DeviceType: "web"}
	id, err := m.Identity()
	require.NoError(err)
	require.Equal(device.Identity{DeviceID: "a1", UserID: "alice", Type: device.Web}, id)

	m.DeviceType = "toaster"
	_, err = m.Identity()
	require.ErrorIs(err, device.ErrUnknownDeviceType)

	m.DeviceType = "web"
	m.DeviceID = ""
	_, err = m.Identity()
	require.ErrorIs(err, device.ErrInvalidIdentifier)
}

func TestBindingMessage(t *testing.T) {
	require := require.New(t)

	id := device.Identity{DeviceID: "a1", UserID: "alice", Type: device.Mobile}
	m1, err := BindingMessage(id, []byte("key"))
	require.NoError(err)
	require.True(bytes.HasPrefix(m1, []byte(BindingContext)))
	require.True(bytes.HasSuffix(m1, []byte("key")))

	m2, err := BindingMessage(id, []byte("key"))
	require.NoError(err)
	require.Equal(m1, m2)

	other := id
	other.Type = device.Web
	m3, err := BindingMessage(other, []byte("key"))
	require.NoError(err)
	require.NotEqual(m1, m3)
}

func TestTypeString(t *testing.T) {
	require.Equal(t, "Heartbeat", TypeHeartbeat.String())
	require.Equal(t, "MessageBatch", TypeMessageBatch.String())
	require.Equal(t, "Type(99)", Type(99).String())
}
