// crypto_test.go - Signature capability tests.
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

package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchemeSignVerify(t *testing.T) {
	require := require.New(t)

	s, err := NewScheme(DefaultSchemeName)
	require.NoError(err)

	signer, err := s.GenerateSigner()
	require.NoError(err)

	msg := []byte("tunnelbroker test message")
	sig, err := signer.Sign(msg)
	require.NoError(err)

	ok, err := s.Verify(signer.PublicKey(), msg, sig)
	require.NoError(err)
	require.True(ok)

	ok, err = s.Verify(signer.PublicKey(), []byte("other message"), sig)
	require.NoError(err)
	require.False(ok)

	ok, err = s.Verify(signer.PublicKey(), msg, sig[:len(sig)-1])
	require.NoError(err)
	require.False(ok)

	_, err = s.Verify([]byte("short"), msg, sig)
	require.ErrorIs(err, ErrInvalidPublicKey)

	raw, err := signer.PrivateKey()
	require.NoError(err)
	restored, err := s.SignerFromPrivateKey(raw)
	require.NoError(err)
	require.Equal(signer.PublicKey(), restored.PublicKey())
}

func TestUnknownScheme(t *testing.T) {
	_, err := NewScheme("NotARealScheme")
	require.ErrorIs(t, err, ErrUnknownScheme)
}

func TestFingerprint(t *testing.T) {
	require := require.New(t)

	a := Fingerprint([]byte("a"))
	require.Len(a, 16)
	require.Equal(a, Fingerprint([]byte("a")))
	require.NotEqual(a, Fingerprint([]byte("b")))
}
