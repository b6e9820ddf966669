// worker_test.go - Background worker task tests.
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

package worker

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerHalt(t *testing.T) {
	require := require.New(t)

	var w Worker
	var stopped atomic.Int32
	for i := 0; i < 4; i++ {
		w.Go(func() {
			<-w.HaltCh()
			stopped.Add(1)
		})
	}
	require.False(w.IsHalted())

	w.Halt()
	require.Equal(int32(4), stopped.Load())
	require.True(w.IsHalted())

	// Second Halt is a no-op.
	w.Halt()
}

func TestWorkerHaltContext(t *testing.T) {
	var w Worker
	ctx, cancel := w.HaltContext(context.Background())
	defer cancel()

	w.Halt()
	<-ctx.Done()
	require.ErrorIs(t, ctx.Err(), context.Canceled)
}
