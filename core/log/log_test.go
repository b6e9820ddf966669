// log_test.go - Logging backend tests.
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

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackendFileAndRotate(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "tunnelbroker.log")
	b, err := New(f, "debug", false)
	require.NoError(err)

	l := b.GetLogger("test")
	l.Notice("before rotate")

	rotated := f + ".1"
	require.NoError(os.Rename(f, rotated))
	require.NoError(b.Rotate())
	l.Notice("after rotate")

	old, err := os.ReadFile(rotated)
	require.NoError(err)
	require.Contains(string(old), "test: before rotate")

	cur, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(cur), "test: after rotate")
	require.NotContains(string(cur), "before rotate")
}

func TestBackendDisabled(t *testing.T) {
	require := require.New(t)

	b, err := New("", "NOTICE", true)
	require.NoError(err)
	b.GetLogger("quiet").Error("dropped")
	require.NoError(b.Rotate())
}

func TestInvalidLevel(t *testing.T) {
	_, err := New("", "LOUD", false)
	require.Error(t, err)
}
