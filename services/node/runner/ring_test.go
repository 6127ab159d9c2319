// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferSmallWrites(t *testing.T) {
	ring := newRingBuffer(32)
	_, err := ring.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = ring.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", ring.Tail())
}

func TestRingBufferKeepsTail(t *testing.T) {
	ring := newRingBuffer(8)
	for _, chunk := range []string{"aaaa", "bbbb", "cccc"} {
		_, err := ring.Write([]byte(chunk))
		require.NoError(t, err)
	}
	assert.Equal(t, "bbbbcccc", ring.Tail())
}

func TestRingBufferOversizedWrite(t *testing.T) {
	ring := newRingBuffer(4)
	n, err := ring.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	// Write reports the full count so io.Copy callers never error.
	assert.Equal(t, 8, n)
	assert.Equal(t, "efgh", ring.Tail())
}

func TestRingBufferEmpty(t *testing.T) {
	ring := newRingBuffer(16)
	assert.Equal(t, "", ring.Tail())
}

func TestRingBufferManyLines(t *testing.T) {
	ring := newRingBuffer(64)
	for i := 0; i < 100; i++ {
		_, err := ring.Write([]byte("line\n"))
		require.NoError(t, err)
	}
	tail := ring.Tail()
	assert.LessOrEqual(t, len(tail), 64)
	assert.True(t, strings.HasSuffix(tail, "line\n"))
}
