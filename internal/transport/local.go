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
	"slices"
)

// Local is an in-process endpoint. All endpoints of a group share their
// mailboxes directly.
type Local struct {
	rank  int
	boxes []*mailbox
}

// NewLocal returns the n connected endpoints of an in-process group.
func NewLocal(n int) []*Local {
	boxes := make([]*mailbox, n)
	for i := range boxes {
		boxes[i] = newMailbox()
	}
	out := make([]*Local, n)
	for i := range out {
		out[i] = &Local{rank: i, boxes: boxes}
	}
	return out
}

func (l *Local) Rank() int { return l.rank }
func (l *Local) Size() int { return len(l.boxes) }

func (l *Local) Send(ctx context.Context, dst int, tag Tag, payload []byte) error {
	if err := checkRank(dst, l.Size()); err != nil {
		return err
	}
	if l.boxes[l.rank].isClosed() {
		return ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.boxes[dst].deliver(l.rank, tag, slices.Clone(payload))
	recordSent(tag, len(payload))
	return nil
}

func (l *Local) Recv(ctx context.Context, src int, tag Tag) ([]byte, error) {
	if err := checkRank(src, l.Size()); err != nil {
		return nil, err
	}
	p, err := l.boxes[l.rank].take(ctx, src, tag)
	if err == nil {
		recordReceived(tag, len(p))
	}
	return p, err
}

func (l *Local) Close() error {
	l.boxes[l.rank].close()
	return nil
}
