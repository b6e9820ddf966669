// priority_queue_test.go - Tests for priority queue.
// Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
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

package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueue(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New[string]()
	require.Nil(q.Peek())
	require.Nil(q.Dequeue())

	q.Enqueue(3, "their common ground is that the abstract can never take the place of the perceptive.")
	q.Enqueue(0, "That books do not take the place of experience,")
	q.Enqueue(2, "are two kindred phenomena;")
	q.Enqueue(1, "and that learning is no substitute for genius,")
	require.Equal(4, q.Len())

	require.Equal(uint64(0), q.Peek().Priority)
	require.Equal(4, q.Len(), "Peek leaves the queue intact")

	var prios []uint64
	for q.Len() > 0 {
		prios = append(prios, q.Dequeue().Priority)
	}
	require.Equal([]uint64{0, 1, 2, 3}, prios)
}

func TestDequeueIndex(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New[int]()
	for i := 10; i > 0; i-- {
		q.Enqueue(uint64(i), i)
	}
	require.Nil(q.DequeueIndex(-1))
	require.Nil(q.DequeueIndex(10))

	e := q.DequeueIndex(0)
	require.Equal(1, e.Value)
	require.Equal(9, q.Len())
	require.Equal(uint64(2), q.Peek().Priority)
}
