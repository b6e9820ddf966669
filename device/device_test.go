// device_test.go - Device identity tests.
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

package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	require := require.New(t)

	for _, ty := range []Type{Keyserver, Web, Mobile} {
		got, err := ParseType(ty.String())
		require.NoError(err)
		require.Equal(ty, got)

		b, err := ty.MarshalText()
		require.NoError(err)
		var u Type
		require.NoError(u.UnmarshalText(b))
		require.Equal(ty, u)
	}

	_, err := ParseType("desktop")
	require.ErrorIs(err, ErrUnknownDeviceType)

	_, err = Type(42).MarshalText()
	require.ErrorIs(err, ErrUnknownDeviceType)
	require.Equal("Type(42)", Type(42).String())
}

func TestIdentityValidate(t *testing.T) {
	require := require.New(t)

	id := Identity{DeviceID: "mobile:a1", UserID: "alice", Type: Mobile}
	require.NoError(id.Validate())
	require.Equal("alice/mobile:a1(mobile)", id.String())

	bad := id
	bad.DeviceID = ""
	require.ErrorIs(bad.Validate(), ErrInvalidIdentifier)

	bad = id
	bad.UserID = "has space"
	require.ErrorIs(bad.Validate(), ErrInvalidIdentifier)

	bad = id
	bad.Type = 0
	require.ErrorIs(bad.Validate(), ErrUnknownDeviceType)
}
