// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"sync"
)

type mailKey struct {
	src int
	tag Tag
}

type mailQueue struct {
	msgs  [][]byte
	ready chan struct{}
}

// mailbox buffers arriving messages per (source, tag).
type mailbox struct {
	mu        sync.Mutex
	queues    map[mailKey]*mailQueue
	closed    chan struct{}
	closeOnce sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		queues: make(map[mailKey]*mailQueue),
		closed: make(chan struct{}),
	}
}

// queueLocked returns the queue of k, creating it. Caller holds m.mu.
func (m *mailbox) queueLocked(k mailKey) *mailQueue {
	q, ok := m.queues[k]
	if !ok {
		q = &mailQueue{ready: make(chan struct{}, 1)}
		m.queues[k] = q
	}
	return q
}

func (m *mailbox) deliver(src int, tag Tag, payload []byte) {
	m.mu.Lock()
	q := m.queueLocked(mailKey{src, tag})
	q.msgs = append(q.msgs, payload)
	m.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) take(ctx context.Context, src int, tag Tag) ([]byte, error) {
	for {
		m.mu.Lock()
		q := m.queueLocked(mailKey{src, tag})
		if len(q.msgs) > 0 {
			p := q.msgs[0]
			q.msgs[0] = nil
			q.msgs = q.msgs[1:]
			m.mu.Unlock()
			return p, nil
		}
		m.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.closed:
			return nil, ErrTransportClosed
		}
	}
}

func (m *mailbox) close() {
	m.closeOnce.Do(func() { close(m.closed) })
}

func (m *mailbox) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}
