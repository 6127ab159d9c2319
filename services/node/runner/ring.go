// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runner

import "sync"

// tailBytes is how much of each output stream survives a job.
const tailBytes = 64 * 1024

// ringBuffer keeps the last n bytes written to it. The supervisor
// attaches one to each of the child's stdout and stderr so unbounded
// output cannot grow node memory, while the tail stays available for
// the job record.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	w    int
	full bool
}

func newRingBuffer(n int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, n)}
}

// Write implements io.Writer and never fails.
func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	// Only the last len(buf) bytes of an oversized write can survive.
	if n >= len(r.buf) {
		copy(r.buf, p[n-len(r.buf):])
		r.w = 0
		r.full = true
		return n, nil
	}

	first := copy(r.buf[r.w:], p)
	if first < n {
		copy(r.buf, p[first:])
	}
	r.w = (r.w + n) % len(r.buf)
	if !r.full && first < n {
		r.full = true
	}
	if !r.full && r.w == 0 {
		r.full = true
	}
	return n, nil
}

// Tail returns the retained bytes in write order.
func (r *ringBuffer) Tail() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return string(r.buf[:r.w])
	}
	out := make([]byte, 0, len(r.buf))
	out = append(out, r.buf[r.w:]...)
	out = append(out, r.buf[:r.w]...)
	return string(out)
}
